// Package stores provides the SQLite persistence layer of emuhost: the title
// catalog that is loaded into the shared resource set at startup and the
// session history written by the run command. Schema changes are applied with
// embedded golang-migrate migrations.
package stores
