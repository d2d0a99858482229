/*
Package checksum computes integrity digests for generated build artifacts
and persists them as JSON tables, one table per destination.

Every destination is processed concurrently and, within a destination,
every source is hashed concurrently by streaming the file through the
configured hash in fixed-size chunks. A destination's table is written
exactly once, after every one of its sources has produced a digest. If any
source cannot be read the whole destination fails and nothing is written
for it; other destinations are unaffected.

The hash algorithm is chosen by name per task and is independent of the
completion tracking. See Algorithms for the registered names.
*/
package checksum
