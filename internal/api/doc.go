// Package api hosts the HTTP server for the news feed. Routes:
//   - GET / redirects to /api/news.
//   - GET /api/news serves the cached aggregate as a JSON array.
//   - GET /health for liveness checks.
//   - GET /api/status reports cache freshness and the last page outcomes.
//   - POST /api/refresh forces a scrape (guarded by X-API-Key when configured).
//   - GET /metrics for Prometheus scraping.
package api
