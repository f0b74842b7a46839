package inference

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/derm-screen/assets"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/inference/providers"
)

func tensorInfo(name string, dims ...int64) ort.InputOutputInfo {
	return ort.InputOutputInfo{
		Name:         name,
		OrtValueType: ort.ONNXTypeTensor,
		Dimensions:   ort.NewShape(dims...),
		DataType:     ort.TensorElementDataTypeFloat,
	}
}

func TestValidateModelIO(t *testing.T) {
	shape := DefaultInputShape
	tests := []struct {
		name    string
		inputs  []ort.InputOutputInfo
		outputs []ort.InputOutputInfo
		wantErr string
	}{
		{
			name:    "static shapes",
			inputs:  []ort.InputOutputInfo{tensorInfo("input", 1, 3, 224, 224)},
			outputs: []ort.InputOutputInfo{tensorInfo("logits", 1, 2)},
		},
		{
			name:    "dynamic batch",
			inputs:  []ort.InputOutputInfo{tensorInfo("pixel_values", -1, 3, 224, 224)},
			outputs: []ort.InputOutputInfo{tensorInfo("logits", -1, 2)},
		},
		{
			name:    "two inputs",
			inputs:  []ort.InputOutputInfo{tensorInfo("a", 1, 3, 224, 224), tensorInfo("b", 1)},
			outputs: []ort.InputOutputInfo{tensorInfo("logits", 1, 2)},
			wantErr: "2 inputs",
		},
		{
			name:    "wrong resolution",
			inputs:  []ort.InputOutputInfo{tensorInfo("input", 1, 3, 299, 299)},
			outputs: []ort.InputOutputInfo{tensorInfo("logits", 1, 2)},
			wantErr: "shape",
		},
		{
			name:    "wrong rank",
			inputs:  []ort.InputOutputInfo{tensorInfo("input", 3, 224, 224)},
			outputs: []ort.InputOutputInfo{tensorInfo("logits", 1, 2)},
			wantErr: "shape",
		},
		{
			name:    "class count",
			inputs:  []ort.InputOutputInfo{tensorInfo("input", 1, 3, 224, 224)},
			outputs: []ort.InputOutputInfo{tensorInfo("logits", 1, 7)},
			wantErr: "7 classes",
		},
		{
			name:    "no outputs",
			inputs:  []ort.InputOutputInfo{tensorInfo("input", 1, 3, 224, 224)},
			wantErr: "no outputs",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out, err := ValidateModelIO(tt.inputs, tt.outputs, shape, 2)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.inputs[0].Name, in)
			assert.Equal(t, tt.outputs[0].Name, out)
		})
	}
}

func TestValidateModelIORejectsNonFloatInput(t *testing.T) {
	in := tensorInfo("input", 1, 3, 224, 224)
	in.DataType = ort.TensorElementDataTypeUint8
	_, _, err := ValidateModelIO([]ort.InputOutputInfo{in}, []ort.InputOutputInfo{tensorInfo("logits", 1, 2)}, DefaultInputShape, 2)
	assert.Error(t, err)
}

func TestNewSessionRejectsStubAsset(t *testing.T) {
	stub := assets.NewModelAsset(bytes.Repeat([]byte{1}, 10), 1<<20, "stub")
	_, err := NewSession(stub, SessionConfig{ClassNames: []string{"benign", "malignant"}})
	assert.Equal(t, errs.AssetTooSmall, errs.KindOf(err))
}

func TestNewSessionNeedsTwoClasses(t *testing.T) {
	asset := assets.NewModelAsset(bytes.Repeat([]byte{1}, 64), 16, "fixture")
	_, err := NewSession(asset, SessionConfig{ClassNames: []string{"benign"}})
	assert.Equal(t, errs.ModelLoad, errs.KindOf(err))
}

func TestNewSessionMissingRuntimeIsModelLoad(t *testing.T) {
	rt, err := providers.NewRuntimeConfig(providers.RuntimeArgs{
		SharedLibPath: filepath.Join(t.TempDir(), "libonnxruntime.so"),
	})
	require.NoError(t, err)

	asset := assets.NewModelAsset(bytes.Repeat([]byte{1}, 64), 16, "fixture")
	_, err = NewSession(asset, SessionConfig{
		Runtime:     rt,
		ClassNames:  []string{"benign", "malignant"},
		Environment: providers.NewEnvironment(),
	})
	assert.Equal(t, errs.ModelLoad, errs.KindOf(err))
}

func TestFetchAndOpenSkipsOpenOnFetchFailure(t *testing.T) {
	opened := 0
	load := FetchAndOpen(fetcherFunc(func(context.Context) (*assets.ModelAsset, error) {
		return nil, errs.Errorf(errs.AssetTooSmall, "assets.download", "10 bytes")
	}), func(*assets.ModelAsset) (Runner, error) {
		opened++
		return &fakeRunner{}, nil
	})

	_, err := load(context.Background())
	assert.Equal(t, errs.AssetTooSmall, errs.KindOf(err))
	assert.Zero(t, opened)
}

type fetcherFunc func(context.Context) (*assets.ModelAsset, error)

func (f fetcherFunc) Fetch(ctx context.Context) (*assets.ModelAsset, error) { return f(ctx) }
