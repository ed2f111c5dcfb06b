package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire layout of a checkpoint message:
//
//	1  string  version
//	2  string  run_id
//	3  int64   created_at (unix nanoseconds)
//	4  message training_state
//	5  message student tensor (repeated)
//	6  message teacher tensor (repeated)
//	7  message metadata (google.protobuf.Struct)
//	8  message optimizer_state
//
// training_state: 1 epoch, 2 global_step, 3 best_epoch (varint),
// 4 learning_rate, 5 best_dice (fixed64 double), 6 best_class_dice
// (packed double).
// tensor: 1 name, 2 packed dims, 3 little-endian float32 raw data,
// 4 state_type (optimizer tensors only).
// optimizer_state: 1 type, 2 parameters (google.protobuf.Struct),
// 3 tensor (repeated).
const (
	fieldVersion       protowire.Number = 1
	fieldRunID         protowire.Number = 2
	fieldCreatedAt     protowire.Number = 3
	fieldTrainingState protowire.Number = 4
	fieldStudent       protowire.Number = 5
	fieldTeacher       protowire.Number = 6
	fieldMetadata      protowire.Number = 7
	fieldOptimizer     protowire.Number = 8

	fieldEpoch        protowire.Number = 1
	fieldGlobalStep   protowire.Number = 2
	fieldBestEpoch    protowire.Number = 3
	fieldLearningRate protowire.Number = 4
	fieldBestDice     protowire.Number = 5
	fieldBestClass    protowire.Number = 6

	fieldTensorName protowire.Number = 1
	fieldTensorDims protowire.Number = 2
	fieldTensorRaw  protowire.Number = 3
	fieldStateType  protowire.Number = 4

	fieldOptimizerType   protowire.Number = 1
	fieldOptimizerParams protowire.Number = 2
	fieldOptimizerTensor protowire.Number = 3
)

// MarshalProto encodes a checkpoint in the protobuf wire format.
func MarshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, c.Version)
	b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
	b = protowire.AppendString(b, c.RunID)
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.CreatedAt.UnixNano()))

	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(c.TrainingState))

	for _, w := range c.Student {
		b = protowire.AppendTag(b, fieldStudent, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w))
	}
	for _, w := range c.Teacher {
		b = protowire.AppendTag(b, fieldTeacher, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w))
	}

	if len(c.Metadata) > 0 {
		fields := make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			fields[k] = v
		}
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		meta, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, meta)
	}

	if c.OptimizerState != nil {
		opt, err := marshalOptimizerState(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, opt)
	}
	return b, nil
}

func marshalOptimizerState(s *OptimizerState) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldOptimizerType, protowire.BytesType)
	b = protowire.AppendString(b, s.Type)

	if len(s.Parameters) > 0 {
		fields := make(map[string]interface{}, len(s.Parameters))
		for k, v := range s.Parameters {
			fields[k] = v
		}
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("optimizer parameters: %w", err)
		}
		params, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshal optimizer parameters: %w", err)
		}
		b = protowire.AppendTag(b, fieldOptimizerParams, protowire.BytesType)
		b = protowire.AppendBytes(b, params)
	}

	for _, t := range s.StateData {
		tb := marshalTensor(WeightTensor{Name: t.Name, Shape: t.Shape, Data: t.Data})
		tb = protowire.AppendTag(tb, fieldStateType, protowire.BytesType)
		tb = protowire.AppendString(tb, t.StateType)
		b = protowire.AppendTag(b, fieldOptimizerTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	return b, nil
}

func marshalTrainingState(s TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Epoch))
	b = protowire.AppendTag(b, fieldGlobalStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.GlobalStep))
	b = protowire.AppendTag(b, fieldBestEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.BestEpoch)))
	b = protowire.AppendTag(b, fieldLearningRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LearningRate))
	b = protowire.AppendTag(b, fieldBestDice, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.BestDice))
	if len(s.BestClassDice) > 0 {
		var packed []byte
		for _, d := range s.BestClassDice {
			packed = protowire.AppendFixed64(packed, math.Float64bits(d))
		}
		b = protowire.AppendTag(b, fieldBestClass, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func marshalTensor(w WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)

	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorRaw, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b
}

// UnmarshalProto decodes a checkpoint written by MarshalProto. Unknown
// fields are skipped.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldVersion && typ == protowire.BytesType:
			c.Version = string(v)
		case num == fieldRunID && typ == protowire.BytesType:
			c.RunID = string(v)
		case num == fieldCreatedAt && typ == protowire.VarintType:
			c.CreatedAt = time.Unix(0, int64(x)).UTC()
		case num == fieldTrainingState && typ == protowire.BytesType:
			s, err := unmarshalTrainingState(v)
			if err != nil {
				return fmt.Errorf("training state: %w", err)
			}
			c.TrainingState = s
		case (num == fieldStudent || num == fieldTeacher) && typ == protowire.BytesType:
			w, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			if num == fieldStudent {
				c.Student = append(c.Student, w)
			} else {
				c.Teacher = append(c.Teacher, w)
			}
		case num == fieldMetadata && typ == protowire.BytesType:
			st := &structpb.Struct{}
			if err := proto.Unmarshal(v, st); err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			c.Metadata = make(map[string]string, len(st.GetFields()))
			for k, val := range st.AsMap() {
				c.Metadata[k] = fmt.Sprint(val)
			}
		case num == fieldOptimizer && typ == protowire.BytesType:
			s, err := unmarshalOptimizerState(v)
			if err != nil {
				return fmt.Errorf("optimizer state: %w", err)
			}
			c.OptimizerState = s
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldOptimizerType:
			s.Type = string(v)
		case fieldOptimizerParams:
			st := &structpb.Struct{}
			if err := proto.Unmarshal(v, st); err != nil {
				return fmt.Errorf("parameters: %w", err)
			}
			for k, val := range st.GetFields() {
				s.Parameters[k] = val.GetNumberValue()
			}
		case fieldOptimizerTensor:
			w, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			t := OptimizerTensor{Name: w.Name, Shape: w.Shape, Data: w.Data}
			err = walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num == fieldStateType && typ == protowire.BytesType {
					t.StateType = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldEpoch && typ == protowire.VarintType:
			s.Epoch = int(x)
		case num == fieldGlobalStep && typ == protowire.VarintType:
			s.GlobalStep = int(x)
		case num == fieldBestEpoch && typ == protowire.VarintType:
			s.BestEpoch = int(protowire.DecodeZigZag(x))
		case num == fieldLearningRate && typ == protowire.Fixed64Type:
			s.LearningRate = math.Float64frombits(x)
		case num == fieldBestDice && typ == protowire.Fixed64Type:
			s.BestDice = math.Float64frombits(x)
		case num == fieldBestClass && typ == protowire.BytesType:
			for len(v) > 0 {
				d, n := protowire.ConsumeFixed64(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				s.BestClassDice = append(s.BestClassDice, math.Float64frombits(d))
				v = v[n:]
			}
		}
		return nil
	})
	return s, err
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldTensorName:
			w.Name = string(v)
		case fieldTensorDims:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[n:]
			}
		case fieldTensorRaw:
			if len(v)%4 != 0 {
				return fmt.Errorf("tensor raw data length %d is not a multiple of 4", len(v))
			}
			w.Data = make([]float32, len(v)/4)
			for i := range w.Data {
				w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[4*i:]))
			}
		}
		return nil
	})
	if err != nil {
		return WeightTensor{}, fmt.Errorf("tensor: %w", err)
	}
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(w.Data) {
		return WeightTensor{}, fmt.Errorf("tensor %s: shape %v does not match %d values", w.Name, w.Shape, len(w.Data))
	}
	return w, nil
}

// walkFields calls fn for every field of a message. Length-delimited values
// are passed as v, varint and fixed values as x.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(b)
			x = uint64(x32)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
