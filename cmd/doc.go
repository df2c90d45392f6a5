// Package cmd defines and implements the CLI commands for the bookmeta executable.
//
// Architecture overview:
//   - Candidates: an identify pass starts from the query. The site profile renders the direct ISBN URL (rank 0) and,
//     when discovery is enabled and a title or author is known, one search engine query appends up to
//     discovery.max_results product links from the same site.
//   - Dispatcher & workers: one worker per candidate, started with a stagger of lookup.stagger_ms. The dispatcher
//     joins workers with lookup.poll_interval_ms and returns as soon as all are finished or the abort signal fires.
//     With lookup.interrupt_on_abort=false, abandoned workers finish their fetch in the background.
//   - Fetch pipeline: workers fetch through the Colly-based fetcher (robots.txt and per-host rate limits), optionally
//     promote script-rendered shells to the headless Chromedp fetcher, then parse the page with goquery.
//   - Extraction: the site profile drives a JSON-LD payload plus a few selectors. Each field is extracted on its own,
//     so a broken rating never drops the title. Records carry their relevance rank, source URL and content hash.
//   - Covers: cover URLs seen during identify are cached per ISBN. A cover request uses the cache or runs an identify
//     pass, then downloads the image bytes.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler; progress events are batched to log and
//     Prometheus sinks.
//
// Quick checklist:
//   - Configure env vars: BOOKMETA_SERVER_PORT, BOOKMETA_LOOKUP_TIMEOUT_SECONDS, BOOKMETA_DISCOVERY_ENABLED,
//     BOOKMETA_HEADLESS_ENABLED, BOOKMETA_HTTP_RESPECT_ROBOTS, BOOKMETA_SITE.
//   - Look up a book: bookmeta identify --isbn 9788740065756
//   - Fetch a cover: bookmeta cover --isbn 9788740065756 --out cover.jpg
//   - Serve the API: bookmeta serve --config config.yaml
package cmd
