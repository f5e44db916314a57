// Command mfnews scrapes the moneycontrol mutual-fund news listing and serves
// the extracted stories over HTTP.
//
// Architecture overview:
//   - Fetch: internal/fetcher/colly issues direct requests with a browser header profile, or routes them
//     through the rendering proxy when SCRAPERAPI_KEY is set; internal/fetcher/headless renders with Chrome.
//     Bodies are normalized by internal/decode (gzip, deflate, brotli, identity fallback).
//   - Extract: internal/extract walks an ordered chain of goquery selector strategies.
//   - Scrape: internal/scraper retries each page with backoff and stops paginating at the first empty page.
//   - Serve: internal/cache holds one snapshot with a TTL and coalesces concurrent refreshes;
//     internal/api exposes /api/news, /health, /api/status, /api/refresh and /metrics.
//
// Run locally: go run . serve --config config.yaml (or rely on MFNEWS_* env overrides).
package main

import "github.com/JakeFAU/mfnews-scraper/cmd"

func main() {
	cmd.Execute()
}
