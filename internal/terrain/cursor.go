package terrain

import "voxelrogue.dev/internal/geom"

// LoadCursor walks chunk coordinates outward from the viewer, one cubic
// shell at a time, six faces per shell. It is resumable: an anchor move
// rewinds the radius by the moved distance instead of restarting, so
// already-visited chunks are not rechecked.
type LoadCursor struct {
	maxRadius  uint32
	currRadius uint32
	currIndex  uint32
	anchor     geom.Vec3i
}

func NewLoadCursor(anchor geom.Vec3i, renderDistance uint32) *LoadCursor {
	return &LoadCursor{maxRadius: renderDistance, anchor: anchor}
}

func (c *LoadCursor) Reset() {
	c.currRadius = 0
	c.currIndex = 0
}

func (c *LoadCursor) SetMaxRadius(r uint32) {
	c.maxRadius = r
	if c.maxRadius < c.currRadius {
		c.currRadius = c.maxRadius
	}
	c.Reset()
}

func (c *LoadCursor) UpdateAnchor(anchor geom.Vec3i) {
	if anchor == c.anchor {
		return
	}
	distance := uint32(anchor.Sub(c.anchor).MaxAbsComponent())
	if distance > c.currRadius {
		c.currRadius = 0
	} else {
		c.currRadius -= distance
	}
	c.currIndex = 0
	c.anchor = anchor
}

// Next returns the next chunk coordinate to visit, or false when the
// cursor has covered the full radius (or just finished a shell; the
// next call starts the following shell).
func (c *LoadCursor) Next() (geom.Vec3i, bool) {
	if c.currRadius == c.maxRadius {
		return geom.Vec3i{}, false
	}

	diameter := (c.currRadius + 1) * 2
	area := diameter * diameter
	if c.currIndex >= area*6 {
		c.currRadius++
		c.currIndex = 0
		return geom.Vec3i{}, false
	}

	face := c.currIndex / area
	localIndex := c.currIndex % area
	u := int32(localIndex % diameter)
	v := int32(localIndex / diameter)
	far := int32(diameter) - 1

	pos := c.anchor.AddScalar(-int32(c.currRadius + 1))
	switch face {
	case 0: // bottom
		pos = pos.Add(geom.Vec3i{X: u, Y: 0, Z: v})
	case 1: // top
		pos = pos.Add(geom.Vec3i{X: u, Y: far, Z: v})
	case 2: // front
		pos = pos.Add(geom.Vec3i{X: u, Y: v, Z: 0})
	case 3: // back
		pos = pos.Add(geom.Vec3i{X: u, Y: v, Z: far})
	case 4: // left
		pos = pos.Add(geom.Vec3i{X: 0, Y: u, Z: v})
	case 5: // right
		pos = pos.Add(geom.Vec3i{X: far, Y: u, Z: v})
	}

	c.currIndex++
	return pos, true
}
