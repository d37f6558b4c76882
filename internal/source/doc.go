// Package source holds decorators around monitor.ContentSource.
package source
