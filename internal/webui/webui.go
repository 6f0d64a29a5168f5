// Package webui provides the embedded upload page served at the API root.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFS embed.FS

// StaticFS returns an http.FileSystem for the embedded static files.
func StaticFS() http.FileSystem {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		// This should never happen because we control the embed path
		panic(err)
	}
	return http.FS(sub)
}

// Handler serves the upload page and its assets.
func Handler() http.Handler {
	return http.FileServer(StaticFS())
}
