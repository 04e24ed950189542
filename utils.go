package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"tiler/internal/geo"
)

func loadCollection(path string) (orb.Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal feature: %w", err)
	}

	var collection orb.Collection
	for _, f := range fc.Features {
		if f.Geometry != nil {
			collection = append(collection, f.Geometry)
		}
	}
	return collection, nil
}

// collectionSector 要素集合的外包范围
func collectionSector(c orb.Collection) (geo.Sector, error) {
	if len(c) == 0 {
		return geo.Sector{}, errors.New("empty feature collection")
	}
	bound := c[0].Bound()
	for _, g := range c[1:] {
		bound = bound.Union(g.Bound())
	}
	s := geo.SectorFromBound(bound)
	if !s.Valid() {
		return geo.Sector{}, fmt.Errorf("bound %v is not on the globe", bound)
	}
	return s, nil
}

// loadRegion 读取 geojson 并转换为范围
func loadRegion(path string) (geo.Sector, error) {
	c, err := loadCollection(path)
	if err != nil {
		return geo.Sector{}, err
	}
	return collectionSector(c)
}
