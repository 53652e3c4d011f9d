// Package finlake ingests series from rate-limited public financial APIs
// into a partitioned, content-addressed local lake and mirrors that lake to
// a remote object store.
//
// # Architecture
//
// A run moves data through four stages:
//
//  1. Planning: each source adapter turns a job (source, dataset, date
//     range) into the HTTP requests it needs. Adapters never do I/O.
//  2. Fetching: a per-source Connector checks the response cache, waits
//     for rate limiter admission, then fetches with retries and stores the
//     payload in the cache. A cache hit never spends rate budget.
//  3. Storing: parsed batches are split into year=YYYY/month=MM partitions
//     and written as Parquet. Files are named by content hash and listed in
//     an append-only manifest per partition, so re-ingesting identical data
//     is a no-op.
//  4. Mirroring: sync walks the manifests and uploads every file whose hash
//     the remote does not hold yet. Dry runs share the same plan.
//
// # Quick Start
//
//	cfg, err := config.LoadFile("finlake.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	runner, err := pipeline.New(ctx, cfg, logger.Get())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := runner.Run(ctx, cfg.Jobs)
//
// Or from the command line:
//
//	finlake run --source bcb --dataset selic_meta --from 2024-01-01 --sync
//	finlake sync --dry-run
//	finlake list datasets
//
// # Key Packages
//
//	pkg/clients      - Rate limiter, retrying HTTP fetcher, OAuth2 tokens
//	pkg/cache        - Disk-backed response cache with compressed payloads
//	pkg/connector    - Connector, source adapters and remote mirrors
//	pkg/lake         - Partitioned Parquet lake, manifests and sync
//	pkg/config       - YAML configuration with ${VAR} substitution
//	pkg/errors       - Structured error types
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus metrics
//	internal/pipeline - Runner and run reports
//
// # Sources
//
//   - fred: Federal Reserve Economic Data (FRED_API_KEY)
//   - bcb: Banco Central do Brasil SGS series
//   - anbima: ANBIMA Data API (ANBIMA_CLIENT_ID, ANBIMA_CLIENT_SECRET)
//
// # Remotes
//
//   - s3: Amazon S3 or any S3-compatible store
//   - gcs: Google Cloud Storage
//   - local: a mirror directory
package finlake
