package region

// Claim is a reservation of [Offset, Offset+Size) inside Region. A zero Size
// means nothing was available yet.
type Claim struct {
	Region    Chained
	Offset    uint64
	Size      uint64
	Remaining int64
}

// Empty reports whether the claim reserved nothing.
func (c Claim) Empty() bool {
	return c.Size == 0
}

// View returns the claimed range as a view.
func (c Claim) View() (View, error) {
	if c.Empty() {
		return View{}, ErrBadRange
	}
	return c.Region.View(c.Offset, c.Size)
}

// Bytes returns the claimed range of a locally addressable region.
func (c Claim) Bytes() ([]byte, error) {
	v, err := c.View()
	if err != nil {
		return nil, err
	}
	return v.Bytes()
}
