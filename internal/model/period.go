package model

import "fmt"

// Period is one monthly reporting period of a property.
type Period struct {
	ID         int64 `json:"id"`
	PropertyID int64 `json:"property_id"`
	Year       int   `json:"year"`
	Month      int   `json:"month"`
}

// Prior returns the year and month of the previous calendar month. January
// rolls back to December of the prior year.
func (p Period) Prior() (year, month int) {
	if p.Month <= 1 {
		return p.Year - 1, 12
	}
	return p.Year, p.Month - 1
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}
