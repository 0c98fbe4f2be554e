package transcribe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/chaz8081/gostt-live/internal/features"
	"github.com/chaz8081/gostt-live/internal/models"
	"github.com/chaz8081/gostt-live/internal/ortenv"
	"github.com/chaz8081/gostt-live/internal/resource"
)

// ONNXOptions configures LoadONNX.
type ONNXOptions struct {
	// LibPath locates the onnxruntime shared library.
	LibPath string
	// Threads is the intra-op thread count; 0 lets onnxruntime decide.
	Threads int
}

// ONNXLoader returns a Loader for model sets laid out under root.
func ONNXLoader(root string, opts ONNXOptions) Loader {
	return func(ctx context.Context, p resource.Profile) (*Models, error) {
		files, err := models.Layout(root, p)
		if err != nil {
			return nil, err
		}
		if err := files.Verify(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return LoadONNX(files, p, opts)
	}
}

// LoadONNX loads the encoder, decoder and joiner graphs of files. Input
// and output names, the mel count and the vocabulary size are read from
// the graphs; float16 graphs are fed and read through float32.
func LoadONNX(files models.Files, p resource.Profile, opts ONNXOptions) (*Models, error) {
	vocab, err := LoadVocabulary(files.Tokens)
	if err != nil {
		return nil, err
	}
	release, err := ortenv.Acquire(opts.LibPath)
	if err != nil {
		return nil, err
	}

	var opened []*onnxSession
	fail := func(err error) (*Models, error) {
		for _, s := range opened {
			s.destroy()
		}
		release()
		return nil, err
	}
	open := func(path string) (*onnxSession, error) {
		s, err := openSession(path, p.GPU(), opts.Threads)
		if err == nil {
			opened = append(opened, s)
		}
		return s, err
	}

	encSess, err := open(files.Encoder)
	if err != nil {
		return fail(err)
	}
	enc, err := newONNXEncoder(encSess)
	if err != nil {
		return fail(err)
	}
	decSess, err := open(files.Decoder)
	if err != nil {
		return fail(err)
	}
	dec, err := newONNXDecoder(decSess)
	if err != nil {
		return fail(err)
	}
	joinSess, err := open(files.Joiner)
	if err != nil {
		return fail(err)
	}
	join, err := newONNXJoiner(joinSess, vocab.Size())
	if err != nil {
		return fail(err)
	}

	fcfg := features.DefaultConfig()
	if enc.mels > 0 {
		fcfg.NumMels = enc.mels
	} else if p.ModelSize == "1.1b" {
		fcfg.NumMels = 80
	}
	ext, err := features.NewExtractor(fcfg)
	if err != nil {
		return fail(err)
	}

	slog.Info("transcribe: onnx models loaded",
		"dir", files.Dir,
		"profile", p.Name,
		"mels", fcfg.NumMels,
		"vocab", vocab.Size(),
		"blank", vocab.Blank(),
	)
	var once sync.Once
	return &Models{
		Features:   ext,
		Encoder:    enc,
		Prediction: dec,
		Joiner:     join,
		Vocab:      vocab,
		Reclaim:    join.reclaim,
		Close: func() error {
			once.Do(func() {
				join.reclaim(true)
				for i := len(opened) - 1; i >= 0; i-- {
					opened[i].destroy()
				}
				release()
			})
			return nil
		},
	}, nil
}

// onnxSession is one graph with its introspected I/O.
type onnxSession struct {
	name    string
	sess    *ort.DynamicAdvancedSession
	inputs  []ort.InputOutputInfo
	outputs []ort.InputOutputInfo
}

func openSession(path string, gpu bool, threads int) (*onnxSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("transcribe: inspecting %s: %w", path, err)
	}
	opts, err := ortenv.SessionOptions(threads, gpu)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	inNames := make([]string, len(inputs))
	for i, in := range inputs {
		inNames[i] = in.Name
	}
	outNames := make([]string, len(outputs))
	for i, out := range outputs {
		outNames[i] = out.Name
	}
	sess, err := ort.NewDynamicAdvancedSession(path, inNames, outNames, opts)
	if err != nil {
		return nil, fmt.Errorf("transcribe: loading %s: %w", path, err)
	}
	slog.Debug("transcribe: onnx graph", "path", path, "inputs", inNames, "outputs", outNames)
	return &onnxSession{name: path, sess: sess, inputs: inputs, outputs: outputs}, nil
}

func (s *onnxSession) destroy() {
	if err := s.sess.Destroy(); err != nil {
		slog.Warn("transcribe: destroying session", "graph", s.name, "err", err)
	}
}

// input returns the index of the first input whose name contains one of
// the fragments, or -1.
func (s *onnxSession) input(fragments ...string) int {
	for i, in := range s.inputs {
		for _, f := range fragments {
			if strings.Contains(strings.ToLower(in.Name), f) {
				return i
			}
		}
	}
	return -1
}

// run executes the graph; onnxruntime allocates every output. The caller
// destroys the outputs.
func (s *onnxSession) run(inputs []ort.Value) ([]ort.Value, error) {
	outputs := make([]ort.Value, len(s.outputs))
	if err := s.sess.Run(inputs, outputs); err != nil {
		destroyAll(outputs)
		return nil, err
	}
	return outputs, nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

func newFloatTensor(dt ort.TensorElementDataType, shape ort.Shape, data []float32) (ort.Value, error) {
	if dt == ort.TensorElementDataTypeFloat16 {
		buf := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
		}
		t, err := ort.NewCustomDataTensor(shape, buf, dt)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func newIntTensor(dt ort.TensorElementDataType, shape ort.Shape, data ...int64) (ort.Value, error) {
	if dt == ort.TensorElementDataTypeInt32 {
		narrow := make([]int32, len(data))
		for i, v := range data {
			narrow[i] = int32(v)
		}
		t, err := ort.NewTensor(shape, narrow)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// floats copies a float32 or float16 tensor out as float32.
func floats(v ort.Value) ([]float32, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return append([]float32(nil), t.GetData()...), nil
	case *ort.CustomDataTensor:
		raw := t.GetData()
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected output tensor %T", v)
}

func ints(v ort.Value) ([]int64, error) {
	switch t := v.(type) {
	case *ort.Tensor[int64]:
		return append([]int64(nil), t.GetData()...), nil
	case *ort.Tensor[int32]:
		out := make([]int64, len(t.GetData()))
		for i, x := range t.GetData() {
			out[i] = int64(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected length tensor %T", v)
}

// onnxEncoder runs the conformer encoder: audio_signal [1, mels, T] and
// length [1] in, [1, H, T'] and lengths out.
type onnxEncoder struct {
	mu        sync.Mutex
	s         *onnxSession
	audioIdx  int
	lengthIdx int
	mels      int
}

func newONNXEncoder(s *onnxSession) (*onnxEncoder, error) {
	if len(s.inputs) != 2 || len(s.outputs) == 0 {
		return nil, fmt.Errorf("transcribe: encoder %s has %d inputs and %d outputs, want 2 and >=1",
			s.name, len(s.inputs), len(s.outputs))
	}
	e := &onnxEncoder{s: s, lengthIdx: s.input("length")}
	if e.lengthIdx < 0 {
		return nil, fmt.Errorf("transcribe: encoder %s has no length input", s.name)
	}
	e.audioIdx = 1 - e.lengthIdx
	if dims := s.inputs[e.audioIdx].Dimensions; len(dims) == 3 && dims[1] > 0 {
		e.mels = int(dims[1])
	}
	return e, nil
}

func (e *onnxEncoder) Encode(ctx context.Context, f features.Features) (EncoderFrames, error) {
	if err := ctx.Err(); err != nil {
		return EncoderFrames{}, err
	}
	if e.mels > 0 && f.Mels != e.mels {
		return EncoderFrames{}, fmt.Errorf("encoder wants %d mels, got %d", e.mels, f.Mels)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	inputs := make([]ort.Value, 2)
	defer destroyAll(inputs)
	var err error
	inputs[e.audioIdx], err = newFloatTensor(e.s.inputs[e.audioIdx].DataType,
		ort.NewShape(1, int64(f.Mels), int64(f.Frames)), f.Data)
	if err != nil {
		return EncoderFrames{}, err
	}
	inputs[e.lengthIdx], err = newIntTensor(e.s.inputs[e.lengthIdx].DataType, ort.NewShape(1), int64(f.Frames))
	if err != nil {
		return EncoderFrames{}, err
	}

	outputs, err := e.s.run(inputs)
	if err != nil {
		return EncoderFrames{}, err
	}
	defer destroyAll(outputs)

	shape := outputs[0].GetShape()
	if len(shape) != 3 {
		return EncoderFrames{}, fmt.Errorf("encoder output has rank %d, want 3", len(shape))
	}
	data, err := floats(outputs[0])
	if err != nil {
		return EncoderFrames{}, err
	}
	H, T := int(shape[1]), int(shape[2])
	frames := T
	if len(outputs) > 1 {
		if lens, err := ints(outputs[1]); err == nil && len(lens) > 0 && int(lens[0]) < T {
			frames = int(lens[0])
		}
	}

	// [H, T] -> [T, H] so the decode loop can slice one frame at a time.
	out := EncoderFrames{Data: make([]float32, frames*H), Frames: frames, Dim: H}
	for h := 0; h < H; h++ {
		for t := 0; t < frames; t++ {
			out.Data[t*H+h] = data[h*T+t]
		}
	}
	return out, nil
}

// onnxDecoder runs the LSTM prediction network for one token.
type onnxDecoder struct {
	mu        sync.Mutex
	s         *onnxSession
	targetIdx int
	lengthIdx int
	stateIdx  []int
}

func newONNXDecoder(s *onnxSession) (*onnxDecoder, error) {
	d := &onnxDecoder{s: s, targetIdx: s.input("targets"), lengthIdx: s.input("length")}
	if d.targetIdx < 0 || d.lengthIdx < 0 {
		return nil, fmt.Errorf("transcribe: decoder %s lacks targets/target_length inputs", s.name)
	}
	for i := range s.inputs {
		if i != d.targetIdx && i != d.lengthIdx {
			d.stateIdx = append(d.stateIdx, i)
		}
	}
	if len(s.outputs) < 1+len(d.stateIdx) {
		return nil, fmt.Errorf("transcribe: decoder %s has %d outputs for %d states", s.name, len(s.outputs), len(d.stateIdx))
	}
	return d, nil
}

// stateShape resolves dynamic dimensions of state input i to 1.
func (d *onnxDecoder) stateShape(i int) ort.Shape {
	dims := d.s.inputs[d.stateIdx[i]].Dimensions
	shape := make(ort.Shape, len(dims))
	for k, v := range dims {
		shape[k] = max(v, 1)
	}
	return shape
}

func (d *onnxDecoder) Predict(ctx context.Context, token int32, state DecoderState) (DecoderState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	inputs := make([]ort.Value, len(d.s.inputs))
	defer destroyAll(inputs)
	var err error
	inputs[d.targetIdx], err = newIntTensor(d.s.inputs[d.targetIdx].DataType, ort.NewShape(1, 1), int64(token))
	if err != nil {
		return state, err
	}
	inputs[d.lengthIdx], err = newIntTensor(d.s.inputs[d.lengthIdx].DataType, ort.NewShape(1), 1)
	if err != nil {
		return state, err
	}
	for i, idx := range d.stateIdx {
		shape := d.stateShape(i)
		var h []float32
		if i < len(state.Hidden) && int64(len(state.Hidden[i])) == shape.FlattenedSize() {
			h = state.Hidden[i]
		} else {
			h = make([]float32, shape.FlattenedSize())
		}
		if inputs[idx], err = newFloatTensor(d.s.inputs[idx].DataType, shape, h); err != nil {
			return state, err
		}
	}

	outputs, err := d.s.run(inputs)
	if err != nil {
		return state, err
	}
	defer destroyAll(outputs)

	next := DecoderState{LastToken: token, Hidden: make([][]float32, len(d.stateIdx))}
	if next.Output, err = floats(outputs[0]); err != nil {
		return state, err
	}
	first := len(outputs) - len(d.stateIdx)
	for i := range d.stateIdx {
		if next.Hidden[i], err = floats(outputs[first+i]); err != nil {
			return state, err
		}
	}
	return next, nil
}

// onnxJoiner runs the joint network. Its float32 input tensors are kept
// between calls and released by reclaim.
type onnxJoiner struct {
	mu        sync.Mutex
	s         *onnxSession
	encIdx    int
	decIdx    int
	vocabSize int

	scratch []*ort.Tensor[float32]
}

func newONNXJoiner(s *onnxSession, vocabSize int) (*onnxJoiner, error) {
	if len(s.inputs) != 2 || len(s.outputs) == 0 {
		return nil, fmt.Errorf("transcribe: joiner %s has %d inputs, want 2", s.name, len(s.inputs))
	}
	j := &onnxJoiner{s: s, encIdx: s.input("enc"), vocabSize: vocabSize, scratch: make([]*ort.Tensor[float32], 2)}
	if j.encIdx < 0 {
		j.encIdx = 0
	}
	j.decIdx = 1 - j.encIdx
	return j, nil
}

// tensor returns the input tensor for slot filled with data. Cached
// tensors are only used for float32 inputs; owned reports whether the
// caller must destroy the result.
func (j *onnxJoiner) tensor(slot int, data []float32) (v ort.Value, owned bool, err error) {
	info := j.s.inputs[slot]
	shape := ort.NewShape(1, int64(len(data)), 1)
	if info.DataType != ort.TensorElementDataTypeFloat {
		v, err = newFloatTensor(info.DataType, shape, data)
		return v, true, err
	}
	t := j.scratch[slot]
	if t == nil || int64(len(t.GetData())) != shape.FlattenedSize() {
		if t != nil {
			t.Destroy()
		}
		if t, err = ort.NewEmptyTensor[float32](shape); err != nil {
			j.scratch[slot] = nil
			return nil, false, err
		}
		j.scratch[slot] = t
	}
	copy(t.GetData(), data)
	return t, false, nil
}

func (j *onnxJoiner) Join(ctx context.Context, enc, dec []float32) (JointLogits, error) {
	if err := ctx.Err(); err != nil {
		return JointLogits{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	inputs := make([]ort.Value, 2)
	var owned []ort.Value
	defer func() { destroyAll(owned) }()
	for slot, data := range map[int][]float32{j.encIdx: enc, j.decIdx: dec} {
		v, own, err := j.tensor(slot, data)
		if err != nil {
			return JointLogits{}, err
		}
		if own {
			owned = append(owned, v)
		}
		inputs[slot] = v
	}

	outputs, err := j.s.run(inputs)
	if err != nil {
		return JointLogits{}, err
	}
	defer destroyAll(outputs)

	logits, err := floats(outputs[0])
	if err != nil {
		return JointLogits{}, err
	}
	if len(logits) <= j.vocabSize {
		return JointLogits{}, errors.New("joiner output has no duration head")
	}
	return JointLogits{Tokens: logits[:j.vocabSize], Durations: logits[j.vocabSize:]}, nil
}

func (j *onnxJoiner) reclaim(bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, t := range j.scratch {
		if t != nil {
			t.Destroy()
			j.scratch[i] = nil
		}
	}
}
