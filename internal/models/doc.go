// package models defines the data model for the music knowledge graph:
// artists, tracks, set-lists, track adjacency edges, and the tagged item
// union carried by the scraping pipeline.
package models
