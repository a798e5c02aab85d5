package detect

import (
	"sync"

	"github.com/bmharper/tiledinference"

	"github.com/deignacio/sprinting-boxes/pkg/geom"
)

// Run tiled inference on the image.
// If the image is larger than the model input, we split it up into
// overlapping tiles, run each tile through the model, and merge the per-tile
// detections back into a single set. If the model is at least as large as
// the image then we run the model directly, so it is safe to call
// TiledInference on any image without incurring a performance loss.
// This is what makes small, distant players detectable on a wide field shot.
func TiledInference(model ObjectDetector, img ImageCrop, _params *DetectionParams, nThreads int) ([]ObjectDetection, error) {
	config := model.Config()

	// Clipping happens once at the end, after boxes have been moved out of
	// tile space, otherwise boxes at interior tile edges get truncated.
	params := *_params
	params.Unclipped = true

	minPadding := 32

	allObjects := []ObjectDetection{}
	allBoxes := []tiledinference.Box{}

	tiling := tiledinference.MakeTiling(img.CropWidth, img.CropHeight, config.Width, config.Height, minPadding)

	tileQueue := make(chan tile, tiling.NumX*tiling.NumY)
	allTiles(tiling, tileQueue)

	detectionResults := make(chan error, nThreads)
	var resultLock sync.Mutex
	detectionThread := func() {
		for {
			select {
			case t := <-tileQueue:
				objects, boxes, err := detectTile(model, &params, tiling, t.x, t.y, img)
				if err != nil {
					detectionResults <- err
					return
				}
				resultLock.Lock()
				allObjects = append(allObjects, objects...)
				allBoxes = append(allBoxes, boxes...)
				resultLock.Unlock()
			default:
				detectionResults <- nil
				return
			}
		}
	}

	for i := 0; i < nThreads; i++ {
		go detectionThread()
	}
	var firstError error
	for i := 0; i < nThreads; i++ {
		err := <-detectionResults
		if err != nil && firstError == nil {
			firstError = err
		}
	}
	if firstError != nil {
		return nil, firstError
	}

	merged := []ObjectDetection{}

	finalClip := geom.Rect{
		X:      0,
		Y:      0,
		Width:  img.CropWidth,
		Height: img.CropHeight,
	}

	if tiling.IsSingle() {
		merged = allObjects
		// We disabled clipping for tiling sake, so we need to clip now
		for i := range merged {
			merged[i].Box = merged[i].Box.Intersection(finalClip)
		}
	} else {
		groups, mergedBoxes := tiledinference.MergeBoxes(tiling, allBoxes, nil)
		for igroup, group := range groups {
			// Start with the first object in the group
			newObj := allObjects[group[0]]
			r := mergedBoxes[igroup]

			// Use the merged box, which can be larger than the first object in the group
			newObj.Box = geom.Rect{X: int(r.Rect.X1), Y: int(r.Rect.Y1), Width: int(r.Rect.Width()), Height: int(r.Rect.Height())}

			// Clip at the very end, since we disabled clipping inside the model
			newObj.Box = newObj.Box.Intersection(finalClip)

			// Use max(confidence) from all objects in the group
			for _, el := range group[1:] {
				newObj.Confidence = max(newObj.Confidence, allObjects[el].Confidence)
			}

			merged = append(merged, newObj)
		}
	}

	for i := range merged {
		merged[i].SetBottom()
	}

	return merged, nil
}

// Returns two parallel arrays
func detectTile(model ObjectDetector, params *DetectionParams, tiling tiledinference.Tiling, tx, ty int, img ImageCrop) ([]ObjectDetection, []tiledinference.Box, error) {
	tileRect := tiling.TileRect(tx, ty)
	crop := img.Crop(int(tileRect.X1), int(tileRect.Y1), int(tileRect.X2), int(tileRect.Y2))
	objects, err := model.DetectObjects(crop, params)
	if err != nil {
		return nil, nil, err
	}
	boxes := []tiledinference.Box{}
	for i, obj := range objects {
		box := tiledinference.Box{
			Rect: tiledinference.Rect{
				X1: int32(obj.Box.X),
				Y1: int32(obj.Box.Y),
				X2: int32(obj.Box.X + obj.Box.Width),
				Y2: int32(obj.Box.Y + obj.Box.Height),
			},
			Class: int32(obj.Class),
			Tile:  tiling.MakeTileIndex(tx, ty),
		}
		box.Rect.Offset(int32(tileRect.X1), int32(tileRect.Y1))
		objects[i].Box.Offset(int(tileRect.X1), int(tileRect.Y1))
		boxes = append(boxes, box)
	}
	return objects, boxes, nil
}

type tile struct {
	x int
	y int
}

func allTiles(tiling tiledinference.Tiling, ch chan tile) {
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			ch <- tile{x: tx, y: ty}
		}
	}
}
