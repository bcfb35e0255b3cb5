// Package pending tracks in-flight command dispatches until their result arrives.
package pending
