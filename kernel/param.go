package kernel

import (
	"reflect"

	"github.com/notargets/DGDispatch/errdefs"
	"github.com/pkg/errors"
)

// Direction indicates parameter data flow
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionInOut
	DirectionTemp
	DirectionScalar
)

// ParamBuilder provides a fluent interface for building kernel arguments
type ParamBuilder struct {
	Spec ParamSpec
}

// ParamSpec holds the complete specification for a kernel argument
type ParamSpec struct {
	Name        string
	Direction   Direction
	HostBinding interface{}

	// Type and size (inferred or explicit)
	DataType DataType
	Size     int64

	// Memory attributes
	Alignment AlignmentType

	// One value per thread, consumed by the thread-space dispatch
	PerThread bool
}

// Input creates an argument specification for a read-only surface
func Input(name string) *ParamBuilder {
	return &ParamBuilder{Spec: ParamSpec{Name: name, Direction: DirectionInput}}
}

// Output creates an argument specification for a written surface
func Output(name string) *ParamBuilder {
	return &ParamBuilder{Spec: ParamSpec{Name: name, Direction: DirectionOutput}}
}

// InOut creates an argument specification for a read/write surface
func InOut(name string) *ParamBuilder {
	return &ParamBuilder{Spec: ParamSpec{Name: name, Direction: DirectionInOut}}
}

// Scalar creates an argument specification for a scalar value
func Scalar(name string) *ParamBuilder {
	return &ParamBuilder{Spec: ParamSpec{Name: name, Direction: DirectionScalar}}
}

// Temp creates an argument specification for a device-only scratch surface
func Temp(name string) *ParamBuilder {
	return &ParamBuilder{Spec: ParamSpec{Name: name, Direction: DirectionTemp}}
}

// Bind associates a value with this argument. Slices and scalars have their
// type and size inferred; anything else (device memory handles) is opaque
// and needs Type and Size.
func (p *ParamBuilder) Bind(value interface{}) *ParamBuilder {
	p.Spec.HostBinding = value
	p.inferFromBinding()
	return p
}

// Type sets explicit type
func (p *ParamBuilder) Type(dataType DataType) *ParamBuilder {
	p.Spec.DataType = dataType
	return p
}

// Size sets explicit size in elements
func (p *ParamBuilder) Size(elements int) *ParamBuilder {
	p.Spec.Size = int64(elements)
	return p
}

// Align sets memory alignment requirements
func (p *ParamBuilder) Align(alignment AlignmentType) *ParamBuilder {
	p.Spec.Alignment = alignment
	return p
}

// PerThread marks the argument as carrying one value per dispatched thread
func (p *ParamBuilder) PerThread() *ParamBuilder {
	p.Spec.PerThread = true
	return p
}

// inferFromBinding extracts type and size information from the binding
func (p *ParamBuilder) inferFromBinding() {
	if p.Spec.HostBinding == nil {
		return
	}

	v := reflect.ValueOf(p.Spec.HostBinding)
	t := v.Type()

	if t.Kind() == reflect.Slice {
		p.Spec.Size = int64(v.Len())
		switch t.Elem().Kind() {
		case reflect.Float32:
			p.Spec.DataType = Float32
		case reflect.Float64:
			p.Spec.DataType = Float64
		case reflect.Int32:
			p.Spec.DataType = INT32
		case reflect.Int64, reflect.Int:
			p.Spec.DataType = INT64
		case reflect.Uint8:
			p.Spec.DataType = Bytes
		}
		return
	}

	switch t.Kind() {
	case reflect.Float32:
		p.Spec.DataType = Float32
		p.Spec.Size = 1
	case reflect.Float64:
		p.Spec.DataType = Float64
		p.Spec.Size = 1
	case reflect.Int, reflect.Int64:
		p.Spec.DataType = INT64
		p.Spec.Size = 1
	case reflect.Int32:
		p.Spec.DataType = INT32
		p.Spec.Size = 1
	}
}

// Validate checks if the argument specification is complete and valid
func (p *ParamSpec) Validate() error {
	if p.Name == "" {
		return errors.Wrap(errdefs.ErrInvalidArgument, "argument name cannot be empty")
	}

	if p.Direction == DirectionScalar {
		if p.DataType == 0 && p.HostBinding == nil {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "scalar %s needs type or binding", p.Name)
		}
		if p.PerThread {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "scalar %s cannot be per-thread", p.Name)
		}
		return nil
	}

	if p.Size <= 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "surface %s needs size", p.Name)
	}
	if p.DataType == 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "surface %s needs type", p.Name)
	}

	if p.Direction == DirectionTemp && p.HostBinding != nil {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "temp surface %s cannot have a binding", p.Name)
	}
	if p.PerThread && p.HostBinding == nil {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "per-thread argument %s needs a binding", p.Name)
	}

	return nil
}

// IsConst returns whether this argument is read-only in the kernel
func (p *ParamSpec) IsConst() bool {
	switch p.Direction {
	case DirectionInput, DirectionScalar:
		return true
	case DirectionOutput, DirectionInOut, DirectionTemp:
		return false
	default:
		return true
	}
}

// Bytes returns the binding size of the argument in bytes
func (p *ParamSpec) Bytes() int64 {
	size := p.Size
	if size == 0 {
		size = 1
	}
	return size * SizeOfType(p.DataType)
}
