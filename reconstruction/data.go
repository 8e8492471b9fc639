package reconstruction

import (
	"github.com/depthfusion/depthfusion/rimage"
	"github.com/depthfusion/depthfusion/rimage/transform"
)

// Record is one calibrated view: a depth map and the pose it was captured from. The line numbers
// are 1-based positions in the manifests the record was read from.
type Record struct {
	DepthMap *rimage.DepthMap
	Pose     *transform.CalibrationPose

	DepthPath       string
	CalibrationPath string
	DepthLine       int
	CalibrationLine int
}

// CatalogEntry describes where a record came from.
type CatalogEntry struct {
	DepthPath       string
	CalibrationPath string
	DepthLine       int
	CalibrationLine int
	Width           int
	Height          int
}

// Catalog is the ordered list of records accepted by the loader. The catalog owns its records
// until Release is called.
type Catalog struct {
	records []*Record
}

// NewCatalog creates a catalog from records in order.
func NewCatalog(records ...*Record) *Catalog {
	return &Catalog{records: records}
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.records)
}

// At returns the i-th record in acceptance order.
func (c *Catalog) At(i int) *Record {
	return c.records[i]
}

// Entries describes every record in order.
func (c *Catalog) Entries() []CatalogEntry {
	entries := make([]CatalogEntry, 0, c.Len())
	for i := 0; i < c.Len(); i++ {
		r := c.records[i]
		entries = append(entries, CatalogEntry{
			DepthPath:       r.DepthPath,
			CalibrationPath: r.CalibrationPath,
			DepthLine:       r.DepthLine,
			CalibrationLine: r.CalibrationLine,
			Width:           r.DepthMap.Width(),
			Height:          r.DepthMap.Height(),
		})
	}
	return entries
}

// Release drops every record. The catalog is empty afterwards.
func (c *Catalog) Release() {
	if c == nil {
		return
	}
	for i := range c.records {
		c.records[i] = nil
	}
	c.records = nil
}
