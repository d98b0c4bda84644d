package normalize

import (
	"math"
	"regexp"
	"strconv"

	"github.com/spf13/cast"

	"github.com/fieldscan/fieldscan/internal/models"
)

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseBox interprets whatever box shape the model produced: a corner
// quadruple [x1,y1,x2,y2] (the prompt contract), a width/height
// quadruple, an object with named fields, or free text containing four
// numbers. The second return is false only when box data was present but
// unusable; an absent box is fine and yields (nil, true).
func ParseBox(v interface{}) (*models.BoundingBox, bool) {
	if v == nil {
		return nil, true
	}
	switch b := v.(type) {
	case []interface{}:
		nums := make([]float64, 0, len(b))
		for _, item := range b {
			f, err := cast.ToFloat64E(item)
			if err != nil {
				return nil, false
			}
			nums = append(nums, f)
		}
		return quadBox(nums)
	case map[string]interface{}:
		return objectBox(b)
	case string:
		matches := numberRe.FindAllString(b, 4)
		if len(matches) < 4 {
			return nil, false
		}
		nums := make([]float64, 4)
		for i, m := range matches {
			nums[i], _ = strconv.ParseFloat(m, 64)
		}
		return quadBox(nums)
	}
	return nil, false
}

// quadBox decides between the two quadruple conventions. Corners are the
// documented contract so they win whenever both readings are plausible;
// the width/height reading is the fallback for shapes like [300,200,50,60]
// where corner order would be degenerate.
func quadBox(nums []float64) (*models.BoundingBox, bool) {
	if len(nums) < 4 {
		return nil, false
	}
	x1, y1, x2, y2 := nums[0], nums[1], nums[2], nums[3]
	if x2 > x1 && y2 > y1 {
		return &models.BoundingBox{
			X:      round(x1),
			Y:      round(y1),
			Width:  round(x2 - x1),
			Height: round(y2 - y1),
		}, true
	}
	if x2 > 0 && y2 > 0 {
		return &models.BoundingBox{
			X:      round(x1),
			Y:      round(y1),
			Width:  round(x2),
			Height: round(y2),
		}, true
	}
	return nil, false
}

func objectBox(m map[string]interface{}) (*models.BoundingBox, bool) {
	get := func(keys ...string) (float64, bool) {
		for _, k := range keys {
			if v, ok := m[k]; ok {
				if f, err := cast.ToFloat64E(v); err == nil {
					return f, true
				}
			}
		}
		return 0, false
	}

	if x, okX := get("x", "left", "xmin", "x_min"); okX {
		if y, okY := get("y", "top", "ymin", "y_min"); okY {
			if w, okW := get("width", "w"); okW {
				if h, okH := get("height", "h"); okH {
					if w <= 0 || h <= 0 {
						return nil, false
					}
					return &models.BoundingBox{X: round(x), Y: round(y), Width: round(w), Height: round(h)}, true
				}
			}
			if x2, okX2 := get("x2", "right", "xmax", "x_max"); okX2 {
				if y2, okY2 := get("y2", "bottom", "ymax", "y_max"); okY2 {
					if x2 <= x || y2 <= y {
						return nil, false
					}
					return &models.BoundingBox{X: round(x), Y: round(y), Width: round(x2 - x), Height: round(y2 - y)}, true
				}
			}
		}
	}
	if x1, ok := get("x1"); ok {
		if y1, okY := get("y1"); okY {
			if x2, okX2 := get("x2"); okX2 {
				if y2, okY2 := get("y2"); okY2 {
					if x2 <= x1 || y2 <= y1 {
						return nil, false
					}
					return &models.BoundingBox{X: round(x1), Y: round(y1), Width: round(x2 - x1), Height: round(y2 - y1)}, true
				}
			}
		}
	}
	return nil, false
}

func round(f float64) int {
	return int(math.Round(f))
}
