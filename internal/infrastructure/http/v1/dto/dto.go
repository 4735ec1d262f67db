package dto

type TileQuery struct {
	Tileset string `form:"tileset" validate:"required"`
	Kind    string `form:"kind" validate:"omitempty,oneof=raster vector classic_raster raw_png"`
}

type CoverQuery struct {
	// BBox is "west,south,east,north" in degrees.
	BBox string `form:"bbox" validate:"required"`
	Zoom int    `form:"zoom" validate:"gte=0,lte=22"`
}

type TileID struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

type CoverResponse struct {
	Zoom  int      `json:"zoom"`
	Tiles []TileID `json:"tiles"`
}

type ViewRequest struct {
	// Center is [lon, lat].
	Center [2]float64 `json:"center"`
	Zoom   int        `json:"zoom" validate:"gte=0,lte=22"`
	// Extent is [west, south, east, north].
	Extent [4]float64 `json:"extent"`
}

type ViewTile struct {
	Z       int    `json:"z"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	State   string `json:"state"`
	Visible bool   `json:"visible"`
}

type ViewResponse struct {
	Requested int        `json:"requested"`
	Tiles     []ViewTile `json:"tiles"`
}
