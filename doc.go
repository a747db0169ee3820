// Package dbjob is a declarative database job engine sitting directly above database/sql. A job describes one unit of database work — command text or a stored procedure, named parameters, transaction and isolation requirements, timeout, retry policy — and on execution the engine acquires a pooled connection, builds and runs the command, and materializes the result into the requested shape: a scalar, a single row, a list, a lazy cursor, a generic record/table container, or up to eight independently shaped result sets from one round trip. It is a materialization and orchestration layer, not an ORM: no change tracking, no lazy relations, no schema management.

package dbjob
