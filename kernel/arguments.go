package kernel

import (
	"fmt"
	"strings"
)

// Category values of KernelArgument
const (
	CategorySurface   = "surface"
	CategoryScalar    = "scalar"
	CategoryPerThread = "per_thread"
)

// KernelArgument represents a single kernel argument with metadata
type KernelArgument struct {
	Name     string
	Type     string // "double*", "int"
	IsConst  bool
	Category string // "surface", "scalar", "per_thread"
	Index    int    // position in the kernel's declared parameter list
}

// ArgValue is one resolved argument captured in a snapshot, in binding order
type ArgValue struct {
	KernelArgument
	Value interface{}
	Bytes int64
}

// GetKernelArguments returns the ordered list of kernel arguments.
// This is the SINGLE SOURCE OF TRUTH for argument binding order:
// surfaces in declaration order, then scalars, then per-thread arguments.
func GetKernelArguments(params []ParamSpec) []KernelArgument {
	args := make([]KernelArgument, 0, len(params))

	// 1. Surfaces
	for i, p := range params {
		if p.Direction == DirectionScalar || p.PerThread {
			continue
		}
		args = append(args, KernelArgument{
			Name:     p.Name,
			Type:     TypeName(p.DataType) + "*",
			IsConst:  p.IsConst(),
			Category: CategorySurface,
			Index:    i,
		})
	}

	// 2. Scalars
	for i, p := range params {
		if p.Direction != DirectionScalar {
			continue
		}
		args = append(args, KernelArgument{
			Name:     p.Name,
			Type:     TypeName(p.DataType),
			IsConst:  true,
			Category: CategoryScalar,
			Index:    i,
		})
	}

	// 3. Per-thread arguments last
	for i, p := range params {
		if !p.PerThread {
			continue
		}
		args = append(args, KernelArgument{
			Name:     p.Name,
			Type:     TypeName(p.DataType),
			IsConst:  true,
			Category: CategoryPerThread,
			Index:    i,
		})
	}

	return args
}

// GenerateSignature generates the parameter list for a kernel function
func GenerateSignature(params []ParamSpec) string {
	kernelArgs := GetKernelArguments(params)
	parts := make([]string, 0, len(kernelArgs))

	for _, karg := range kernelArgs {
		constStr := ""
		if karg.IsConst {
			constStr = "const "
		}
		parts = append(parts, fmt.Sprintf("%s%s %s", constStr, karg.Type, karg.Name))
	}

	return strings.Join(parts, ",\n\t")
}
