// Package scraper turns listing pages into records: PageFetcher retrieves one
// page with bounded retries, and Aggregator walks pages in order until one
// comes back empty or the page budget is spent.
package scraper
