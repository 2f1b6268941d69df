package models

import "time"

// FileMeta is what the storage provider reports for a library file.
type FileMeta struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentInfo is a lightweight description of a PDF in the library.
type DocumentInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	Pages     int       `json:"pages"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}
