// Package store defines the persistence contracts of the workflow runtime:
// durable job records with transactional claim semantics (JobStore), rate
// limiter execution records (RateStore), task output cache entries
// (CacheStore) and graph checkpoints (CheckpointStore).
//
// Backends live in subpackages:
//
//   - store/memory: in-process maps, compare-and-set claims, change
//     subscriptions. The default for tests and single-process use.
//   - store/sqlite: database/sql over mattn/go-sqlite3; claims are single
//     UPDATE ... RETURNING statements.
//   - store/postgres: jackc/pgx/v5; claims use SELECT ... FOR UPDATE
//     SKIP LOCKED.
//   - store/redis: redis/go-redis/v9 cache and checkpoint backends;
//     eviction is delegated to Redis TTLs.
//
// All backends must guarantee that ClaimNext hands a given job to at most
// one claimant, and that job status transitions are monotonic per job id.
package store
