// Package crawler defines the shared types, collaborator interfaces and error
// kinds used by the crawl pipeline: fetch targets, extracted items, fetchers,
// extractors, link collectors, tier limits and blob storage.
package crawler
