/*
Package ledger keeps a SQLite-backed history of build runs: which
artifacts each run produced and the digests recorded for every checksum
destination. It lets a build report which sources changed since the
previous run and lets operators inspect past builds.

Call SetupSchema once on a database before creating a Ledger.
*/
package ledger
