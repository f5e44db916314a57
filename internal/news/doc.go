// Package news defines the records, page results, snapshots, and collaborator
// interfaces shared by the fetchers, extractor, scraper, cache, and API.
package news
