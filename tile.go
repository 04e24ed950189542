package main

// Constants representing TileFormat types
const (
	PNG  = "png"
	JPG  = "jpg"
	PBF  = "pbf"
	WEBP = "webp"
)

// Store types
const (
	StoreFiles   = "files"
	StoreMBTiles = "mbtiles"
)
