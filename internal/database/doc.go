// Package database opens the gorm connection behind the central run store
// and supervises its connection pool.
//
// Open selects the dialector from config.DatabaseConfig.Driver (postgres,
// mysql or sqlite). PoolManager applies pool limits, pings the database on an
// interval and publishes pool sizes to a StatsObserver.
package database
