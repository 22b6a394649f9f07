// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
)

var (
	typeFloat16  = reflect.TypeOf(float16T(0))
	typeBFloat16 = reflect.TypeOf(bfloat16T(0))
)

// summaryEdgeItems is the number of leading and trailing items printed per axis before eliding with "...".
const summaryEdgeItems = 3

// Summary returns a multi-line summary of the Tensor's content.
// Inspired by numpy output.
func (t *Tensor) Summary(precision int) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }

	wValue := func(v reflect.Value) {
		switch {
		case v.Type() == typeFloat16:
			w("%.*g", precision, v.Interface().(float16T).Float32())
			return
		case v.Type() == typeBFloat16:
			w("%.*g", precision, v.Interface().(bfloat16T).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			w("%d", v.Uint())
		case reflect.Bool:
			w("%v", v.Bool())
		default:
			w("%.*g", precision, v.Float())
		}
	}

	dims := t.Shape().Dimensions
	strides := t.LayoutStrides()
	t.MustConstFlatData(func(flat any) {
		values := reflect.ValueOf(flat)
		for _, dim := range dims {
			w("[%d]", dim)
		}
		w("%s", values.Type().Elem())
		if len(dims) == 0 {
			w("(")
			wValue(values.Index(0))
			w(")")
			return
		}

		// visibleIndices returns the indices to print for an axis of the given dimension: -1 marks the ellipsis.
		visibleIndices := func(dim int) []int {
			if dim <= 2*summaryEdgeItems {
				indices := make([]int, dim)
				for ii := range indices {
					indices[ii] = ii
				}
				return indices
			}
			indices := make([]int, 0, 2*summaryEdgeItems+1)
			for ii := range summaryEdgeItems {
				indices = append(indices, ii)
			}
			indices = append(indices, -1)
			for ii := dim - summaryEdgeItems; ii < dim; ii++ {
				indices = append(indices, ii)
			}
			return indices
		}

		var printAxis func(axis, offset int)
		printAxis = func(axis, offset int) {
			w("{")
			lastAxis := axis == len(dims)-1
			indentStr := "\n" + strings.Repeat(" ", axis+1)
			for count, idx := range visibleIndices(dims[axis]) {
				if count > 0 {
					w(",")
					if lastAxis {
						w(" ")
					} else {
						w("%s", indentStr)
					}
				}
				if idx < 0 {
					w("...")
					continue
				}
				if lastAxis {
					wValue(values.Index(offset + idx))
				} else {
					printAxis(axis+1, offset+idx*strides[axis])
				}
			}
			w("}")
		}
		printAxis(0, 0)
	})
	return buf.String()
}
