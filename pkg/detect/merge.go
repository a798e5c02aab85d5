package detect

import (
	flatbush "github.com/bmharper/flatbush-go"
)

// MergeOverlapping scans all pairs of detections, and where two boxes of the
// same class have IoU >= minIoU, keeps only the higher-confidence one.
// This squashes duplicates that survive tile merging, and duplicates that
// arise when two zone crops overlap at the field boundary.
// Returns the indices of the detections that should be retained, in input order.
func MergeOverlapping(input []ObjectDetection, minIoU float32) []int {
	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(int32(b.Box.X), int32(b.Box.Y), int32(b.Box.X2()), int32(b.Box.Y2()))
	}
	fb.Finish()

	deleted := map[int]bool{}
	nChanged := 1

	for nChanged != 0 {
		nChanged = 0
		for i, in := range input {
			if deleted[i] {
				continue
			}
			for _, j := range fb.Search(int32(in.Box.X), int32(in.Box.Y), int32(in.Box.X2()), int32(in.Box.Y2())) {
				if i == j || deleted[j] {
					continue
				}
				if input[j].Class != in.Class {
					continue
				}
				if in.Box.IOU(input[j].Box) >= minIoU {
					// Keep the higher confidence box. Ties go to the earlier index,
					// so the scan terminates.
					if input[j].Confidence < in.Confidence || (input[j].Confidence == in.Confidence && j > i) {
						deleted[j] = true
					} else {
						deleted[i] = true
					}
					nChanged++
				}
			}
			if deleted[i] {
				continue
			}
		}
	}

	retain := make([]int, 0, len(input))
	for i := range input {
		if !deleted[i] {
			retain = append(retain, i)
		}
	}
	return retain
}
