// Package crawler defines the domain types and ports shared by the tesis
// acquisition pipeline: candidate and persisted records, staged batches,
// page documents, and the interfaces for page drivers, record stores, blob
// stores, and publishers.
package crawler
