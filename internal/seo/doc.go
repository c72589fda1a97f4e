// Package seo evaluates crawled pages against a versioned rule table and runs
// the cross-page checks that need the whole page set.
package seo
