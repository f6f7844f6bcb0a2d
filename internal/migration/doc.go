/*
Package migration manages the runs and consortia schema with golang-migrate.

SQL files for postgres, mysql and sqlite are embedded and selected by
DatabaseType. GormStore.AutoMigrate is only used by tests and the
single-process sqlite setup; production databases go through
`fedrun migrate up`.
*/
package migration
