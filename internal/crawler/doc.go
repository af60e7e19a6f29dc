// Package crawler holds the domain model of the site archiver (jobs, pages,
// fetch results), the interfaces implemented by the storage, transport and
// rendering adapters, and the same-domain breadth-first SiteCrawler.
package crawler
