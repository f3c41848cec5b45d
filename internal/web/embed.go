package web

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed *.html
var files embed.FS

// FS provides access to embedded web files
var FS fs.FS = files

// ConsentPage renders consent.html. It expects a ConsentPageData value.
var ConsentPage = template.Must(template.ParseFS(files, "consent.html"))

// ConsentPageData is the data passed to ConsentPage.
type ConsentPageData struct {
	Link          string
	Status        string
	RequisitionID string
}
