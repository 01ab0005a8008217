package main

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/spf13/afero"
)

//go:embed static
var staticEmbed embed.FS

// staticFS copies the embedded placeholder videos into an afero in-memory
// filesystem and exposes it as an http.FileSystem for the static route.
// The copy keeps the option of operators overlaying their own files at
// runtime without rebuilding.
func staticFS() (http.FileSystem, error) {
	mm := afero.NewMemMapFs()
	err := fs.WalkDir(staticEmbed, "static", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, rerr := staticEmbed.ReadFile(path)
		if rerr != nil {
			return fmt.Errorf("Couldn't read embedded file %s: %v", path, rerr)
		}
		name := d.Name()
		return afero.WriteFile(mm, "/"+name, data, 0o644)
	})
	if err != nil {
		return nil, err
	}
	return afero.NewHttpFs(mm), nil
}

// staticFileExists reports whether a placeholder with the given name ships in
// the binary.
func staticFileExists(name string) bool {
	_, err := staticEmbed.Open("static/" + name)
	return err == nil
}
