// Package controller layers the harness's typed console commands over an
// authenticated RCON client: the hello handshake, camera zoom, tick
// stepping, and observation polling.
package controller

import (
	"fmt"
)

// Commander is the slice of the RCON client the controller needs.
type Commander interface {
	Command(text string) (string, error)
	CommandBinary(text string) (any, error)
}

// DefaultZoom is the camera zoom applied when a game starts.
const DefaultZoom = 0.7

// Point is a 2D vector in screen or world space.
type Point struct {
	X float64
	Y float64
}

// Mul scales both components.
func (p Point) Mul(f float64) Point {
	return Point{X: p.X * f, Y: p.Y * f}
}

// DisplayInfo is the camera geometry the server reports after a zoom
// change. The camera spans twice the top-left offset in each dimension.
type DisplayInfo struct {
	WindowDims           Point // render window size in pixels
	ScreenDims           Point
	CameraTLPlayerOffset Point
	CameraWorldSpace     Point
}

// Controller issues game commands over an RCON connection. Like the
// client beneath it, it is not safe for concurrent use.
type Controller struct {
	rc    Commander
	zoom  float64
	di    DisplayInfo
	hasDI bool
}

// New wraps an already-connected client.
func New(rc Commander) *Controller {
	return &Controller{rc: rc}
}

// Hello issues the handshake command the game mod expects once after
// connecting. The reply is free-form text.
func (c *Controller) Hello() (string, error) {
	return c.rc.Command("/h")
}

// Zoom sets the camera zoom and decodes the geometry the server reports
// back, shaped as [{width, height}, [dx, dy]].
func (c *Controller) Zoom(zoom float64) (DisplayInfo, error) {
	v, err := c.rc.CommandBinary(fmt.Sprintf("/zoom %f", zoom))
	if err != nil {
		return DisplayInfo{}, err
	}
	di, err := parseDisplayInfo(v)
	if err != nil {
		return DisplayInfo{}, err
	}
	c.zoom = zoom
	c.di = di
	c.hasDI = true
	return di, nil
}

// DisplayInfo returns the geometry from the most recent successful Zoom.
func (c *Controller) DisplayInfo() (DisplayInfo, bool) {
	return c.di, c.hasDI
}

// Step advances the game by n ticks and returns the server's text reply.
func (c *Controller) Step(n int) (string, error) {
	return c.rc.Command(fmt.Sprintf("/step %d", n))
}

// Observe requests n observation frames and returns the deserialized
// payload. Interpreting the feature layers inside it is the caller's
// concern.
func (c *Controller) Observe(n int) (any, error) {
	return c.rc.CommandBinary(fmt.Sprintf("/observe %d", n))
}

func parseDisplayInfo(v any) (DisplayInfo, error) {
	seq, ok := v.([]any)
	if !ok || len(seq) < 2 {
		return DisplayInfo{}, fmt.Errorf("zoom reply: want a 2-element sequence, got %T", v)
	}

	w, okW := mapField(seq[0], "width")
	h, okH := mapField(seq[0], "height")
	if !okW || !okH {
		return DisplayInfo{}, fmt.Errorf("zoom reply: missing width/height in %v", seq[0])
	}
	width, err := toFloat(w)
	if err != nil {
		return DisplayInfo{}, fmt.Errorf("zoom reply: width: %v", err)
	}
	height, err := toFloat(h)
	if err != nil {
		return DisplayInfo{}, fmt.Errorf("zoom reply: height: %v", err)
	}

	offsets, ok := seq[1].([]any)
	if !ok || len(offsets) < 2 {
		return DisplayInfo{}, fmt.Errorf("zoom reply: want [dx, dy], got %v", seq[1])
	}
	dx, err := toFloat(offsets[0])
	if err != nil {
		return DisplayInfo{}, fmt.Errorf("zoom reply: dx: %v", err)
	}
	dy, err := toFloat(offsets[1])
	if err != nil {
		return DisplayInfo{}, fmt.Errorf("zoom reply: dy: %v", err)
	}

	offset := Point{X: dx, Y: dy}
	return DisplayInfo{
		WindowDims:           Point{X: width, Y: height},
		ScreenDims:           offset.Mul(2),
		CameraTLPlayerOffset: offset,
		CameraWorldSpace:     offset.Mul(2),
	}, nil
}

// mapField looks up key in a decoded msgpack map. The decoder produces
// either map[string]any or map[any]any depending on how it was driven;
// both shapes are handled.
func mapField(m any, key string) (any, bool) {
	switch mm := m.(type) {
	case map[string]any:
		v, ok := mm[key]
		return v, ok
	case map[any]any:
		v, ok := mm[key]
		return v, ok
	}
	return nil, false
}

// toFloat widens any numeric type the msgpack decoder may produce.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
