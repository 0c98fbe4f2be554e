package vad

import (
	"fmt"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/chaz8081/gostt-live/internal/ortenv"
)

// SileroDefaultThreshold is calibrated against the ONNX export of Silero
// VAD, whose speech scores sit roughly two orders of magnitude below the
// PyTorch model's familiar 0.5.
const SileroDefaultThreshold = 0.003

// SileroScaleMax is the highest score observed from the ONNX export on clear
// speech, with headroom. A PyTorch-style 0.5 threshold lies far above it.
const SileroScaleMax = 0.03

// sileroContext is the number of trailing samples of the previous window
// the v5 graph expects in front of each 16 kHz window.
const sileroContext = 64

// SileroModel runs the Silero VAD ONNX graph. Both the v4 (h, c) and v5
// (state) input layouts are supported; the layout is read from the model.
type SileroModel struct {
	mu      sync.Mutex
	release func()
	session *ort.DynamicAdvancedSession

	v5         bool
	windowSize int
	sampleRate int64

	input   *ort.Tensor[float32]
	sr      *ort.Tensor[int64]
	states  []*ort.Tensor[float32] // v5: [state]; v4: [h, c]
	output  *ort.Tensor[float32]
	next    []*ort.Tensor[float32]
	context []float32
}

// NewSileroModel loads the Silero graph at path. libPath locates the
// onnxruntime shared library.
func NewSileroModel(path, libPath string, windowSize, sampleRate int) (*SileroModel, error) {
	release, err := ortenv.Acquire(libPath)
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		release()
		return nil, fmt.Errorf("vad: inspecting silero model: %w", err)
	}

	m := &SileroModel{release: release, windowSize: windowSize, sampleRate: int64(sampleRate)}
	var inNames, outNames []string
	for _, in := range inputs {
		inNames = append(inNames, in.Name)
	}
	for _, out := range outputs {
		outNames = append(outNames, out.Name)
	}
	m.v5 = slices.Contains(inNames, "state")

	if err := m.allocate(inputs); err != nil {
		m.Close()
		return nil, err
	}

	// Order the session's inputs to match the tensors we pass to Run.
	var order []string
	if m.v5 {
		order = []string{"input", "state", "sr"}
	} else {
		order = []string{"input", "sr", "h", "c"}
	}
	for _, name := range order {
		if !slices.Contains(inNames, name) {
			m.Close()
			return nil, fmt.Errorf("vad: silero model has no input %q (inputs %v)", name, inNames)
		}
	}

	opts, err := ortenv.SessionOptions(1, false)
	if err != nil {
		m.Close()
		return nil, err
	}
	defer opts.Destroy()

	m.session, err = ort.NewDynamicAdvancedSession(path, order, outNames, opts)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("vad: loading silero model: %w", err)
	}
	return m, nil
}

func (m *SileroModel) allocate(inputs []ort.InputOutputInfo) error {
	var err error
	width := m.windowSize
	if m.v5 {
		width += sileroContext
		m.context = make([]float32, sileroContext)
	}
	if m.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(width))); err != nil {
		return fmt.Errorf("vad: allocating input: %w", err)
	}

	for _, in := range inputs {
		if in.Name != "sr" {
			continue
		}
		dims := make([]int64, len(in.Dimensions))
		for i := range dims {
			dims[i] = 1
		}
		if m.sr, err = ort.NewTensor(ort.NewShape(dims...), []int64{m.sampleRate}); err != nil {
			return fmt.Errorf("vad: allocating sample rate: %w", err)
		}
	}
	if m.sr == nil {
		return fmt.Errorf("vad: silero model has no sr input")
	}

	stateShapes := []ort.Shape{ort.NewShape(2, 1, 128)}
	if !m.v5 {
		stateShapes = []ort.Shape{ort.NewShape(2, 1, 64), ort.NewShape(2, 1, 64)}
	}
	for _, shape := range stateShapes {
		in, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return fmt.Errorf("vad: allocating state: %w", err)
		}
		out, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			in.Destroy()
			return fmt.Errorf("vad: allocating state: %w", err)
		}
		m.states = append(m.states, in)
		m.next = append(m.next, out)
	}
	if m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		return fmt.Errorf("vad: allocating output: %w", err)
	}
	return nil
}

// Probability implements Model.
func (m *SileroModel) Probability(window []float32) (float64, error) {
	if len(window) != m.windowSize {
		return 0, fmt.Errorf("vad: silero window is %d samples, want %d", len(window), m.windowSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.input.GetData()
	if m.v5 {
		copy(in, m.context)
		copy(in[sileroContext:], window)
		copy(m.context, window[len(window)-sileroContext:])
	} else {
		copy(in, window)
	}

	var inputs []ort.Value
	if m.v5 {
		inputs = []ort.Value{m.input, m.states[0], m.sr}
	} else {
		inputs = []ort.Value{m.input, m.sr, m.states[0], m.states[1]}
	}
	outputs := []ort.Value{m.output}
	for _, t := range m.next {
		outputs = append(outputs, t)
	}

	if err := m.session.Run(inputs, outputs); err != nil {
		return 0, fmt.Errorf("vad: silero inference: %w", err)
	}
	for i := range m.states {
		copy(m.states[i].GetData(), m.next[i].GetData())
	}
	return float64(m.output.GetData()[0]), nil
}

// Reset implements Model.
func (m *SileroModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.states {
		clear(t.GetData())
	}
	clear(m.context)
}

// Scale implements Model. The maximum is left at 1 since a loud close-talk
// signal can still saturate the export; the default threshold is what
// reflects the observed scale.
func (m *SileroModel) Scale() Scale {
	return Scale{Min: 0, Max: SileroScaleMax, DefaultThreshold: SileroDefaultThreshold}
}

// Close releases the session, tensors and the runtime reference.
func (m *SileroModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	for _, t := range append(m.states, m.next...) {
		t.Destroy()
	}
	m.states, m.next = nil, nil
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
	if m.sr != nil {
		m.sr.Destroy()
	}
	m.input, m.output, m.sr = nil, nil, nil
	if m.release != nil {
		m.release()
		m.release = nil
	}
	return nil
}
