//go:build property

package binding_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wasmCloud/wascc-host/pkg/binding"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

func TestBindProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	configGen := gen.MapOf(gen.AlphaString(), gen.AlphaString())

	properties.Property("binding twice equals binding once", prop.ForAll(
		func(values map[string]string) bool {
			once := binding.NewStore(newWorld(), newRecorder())
			twice := binding.NewStore(newWorld(), newRecorder())
			cfg := contracts.NewConfig(values)

			if _, err := once.Bind(ctx, "MA", "wascc:keyvalue", "", cfg); err != nil {
				return false
			}
			for i := 0; i < 2; i++ {
				if _, err := twice.Bind(ctx, "MA", "wascc:keyvalue", "", cfg); err != nil {
					return false
				}
			}
			a, _ := once.Lookup("MA", "wascc:keyvalue")
			b, _ := twice.Lookup("MA", "wascc:keyvalue")
			return a.Equal(b) && len(twice.All()) == 1
		},
		configGen,
	))

	properties.Property("rebinding leaves no keys from the previous config", prop.ForAll(
		func(first, second map[string]string) bool {
			s := binding.NewStore(newWorld(), newRecorder())
			if _, err := s.Bind(ctx, "MA", "wascc:keyvalue", "", contracts.NewConfig(first)); err != nil {
				return false
			}
			if _, err := s.Bind(ctx, "MA", "wascc:keyvalue", "", contracts.NewConfig(second)); err != nil {
				return false
			}
			got, _ := s.Lookup("MA", "wascc:keyvalue")
			m := got.Config.Map()
			if len(m) != len(second) {
				return false
			}
			for k, v := range second {
				if m[k] != v {
					return false
				}
			}
			return true
		},
		configGen, configGen,
	))

	properties.TestingRun(t)
}
