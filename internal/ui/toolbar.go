package ui

import (
	"image/color"

	"fyne.io/fyne/v2"
	fynecanvas "fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/layout"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"

	boardcanvas "CoBoard/internal/canvas"
	"CoBoard/internal/store"
)

// colorSwatch is a tappable square of one palette color.
type colorSwatch struct {
	widget.BaseWidget
	Hex      string
	OnTapped func(hex string)
}

func newColorSwatch(hex string, tapped func(hex string)) *colorSwatch {
	s := &colorSwatch{Hex: hex, OnTapped: tapped}
	s.ExtendBaseWidget(s)
	return s
}

func (s *colorSwatch) CreateRenderer() fyne.WidgetRenderer {
	rect := fynecanvas.NewRectangle(parseHexColor(s.Hex))
	rect.SetMinSize(fyne.NewSize(28, 28))

	border := fynecanvas.NewRectangle(color.Transparent)
	border.StrokeColor = color.Gray{Y: 150}
	border.StrokeWidth = 1

	return widget.NewSimpleRenderer(container.NewStack(rect, border))
}

func (s *colorSwatch) Tapped(_ *fyne.PointEvent) {
	if s.OnTapped != nil {
		s.OnTapped(s.Hex)
	}
}

// NewToolbar builds the tool strip: tool selection, the stroke color
// palette, and a width slider.
func NewToolbar(engine *boardcanvas.Engine, board *BoardWidget) fyne.CanvasObject {
	strokeWidth := 3.0
	strokeColor := store.Palette[0]

	setTool := func(t boardcanvas.Tool) {
		engine.SetTool(t)
		board.Refresh()
	}

	tb := widget.NewToolbar(
		widget.NewToolbarAction(theme.ContentCopyIcon(), func() { setTool(boardcanvas.ToolSelect) }),
		widget.NewToolbarAction(theme.DocumentCreateIcon(), func() { setTool(boardcanvas.ToolPen) }),
		widget.NewToolbarAction(theme.DeleteIcon(), func() { setTool(boardcanvas.ToolEraser) }),
		widget.NewToolbarAction(theme.FileTextIcon(), func() { setTool(boardcanvas.ToolNote) }),
		widget.NewToolbarAction(theme.FileImageIcon(), func() { setTool(boardcanvas.ToolMedia) }),
	)

	swatches := container.NewHBox()
	for _, hex := range store.Palette {
		swatches.Add(newColorSwatch(hex, func(hex string) {
			strokeColor = hex
			engine.SetStrokeStyle(strokeColor, strokeWidth)
		}))
	}

	slider := widget.NewSlider(1.0, 24.0)
	slider.SetValue(strokeWidth)
	slider.OnChanged = func(v float64) {
		strokeWidth = v
		engine.SetStrokeStyle(strokeColor, strokeWidth)
	}
	sliderBox := container.New(layout.NewGridWrapLayout(fyne.NewSize(140, 35)), slider)

	return container.NewHBox(
		widget.NewLabel("Tool:"),
		tb,
		widget.NewSeparator(),
		widget.NewLabel("Color:"),
		swatches,
		widget.NewSeparator(),
		widget.NewLabel("Size:"),
		sliderBox,
		layout.NewSpacer(),
	)
}
