package acqengine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// memberTable is the reflected member surface of a device type: exported
// methods and exported struct fields. Tables are cached per concrete type,
// so registering many devices of the same type reflects only once.
type memberTable struct {
	methods map[string]reflect.Method
	fields  map[string][]int
}

var memberTables sync.Map // reflect.Type → *memberTable

func memberTableFor(t reflect.Type) *memberTable {
	if cached, ok := memberTables.Load(t); ok {
		return cached.(*memberTable)
	}
	table := &memberTable{
		methods: make(map[string]reflect.Method),
		fields:  make(map[string][]int),
	}
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.IsExported() {
			table.methods[m.Name] = m
		}
	}
	elem := t
	for elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}
	if elem.Kind() == reflect.Struct {
		for i := 0; i < elem.NumField(); i++ {
			f := elem.Field(i)
			if f.IsExported() && !f.Anonymous {
				table.fields[f.Name] = f.Index
			}
		}
	}
	memberTables.Store(t, table)
	return table
}

// DeviceProxy wraps a registered user object so that every public member
// access and method call is turned into an event and rerouted to the proxy's
// affinity worker. The proxy exclusively owns the wrapped target; callers
// must not retain references to the raw object after registration.
//
// Calls made from a context that already belongs to the proxy's affinity
// worker — including goroutines spawned by code executing there, as long as
// they inherit the context — run inline instead of being rerouted. Without
// that exemption a method that reads its own property would deadlock.
type DeviceProxy struct {
	id     string
	engine *ExecutionEngine
	target reflect.Value
	table  *memberTable
	thread string
	direct map[string]bool
}

// DeviceProxyOption configures a device registration.
type DeviceProxyOption func(*DeviceProxy)

// WithDeviceThread sets the named worker all accesses to this device are
// routed to. The default is the main worker.
func WithDeviceThread(name string) DeviceProxyOption {
	return func(p *DeviceProxy) { p.thread = name }
}

// WithDirectAccess names attributes that are read and written directly,
// bypassing the engine. Used for bookkeeping fields that must not incur a
// dispatch round-trip.
func WithDirectAccess(names ...string) DeviceProxyOption {
	return func(p *DeviceProxy) {
		for _, n := range names {
			p.direct[n] = true
		}
	}
}

// RegisterDevice wraps target in a proxy and adds it to the registry under
// id. Ids are unique; re-registration fails with ErrDeviceExists.
func (e *ExecutionEngine) RegisterDevice(id string, target any, opts ...DeviceProxyOption) (*DeviceProxy, error) {
	if target == nil {
		return nil, fmt.Errorf("device %q: target must not be nil", id)
	}
	v := reflect.ValueOf(target)
	proxy := &DeviceProxy{
		id:     id,
		engine: e,
		target: v,
		table:  memberTableFor(v.Type()),
		thread: MainWorkerName,
		direct: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(proxy)
	}

	e.deviceMu.Lock()
	defer e.deviceMu.Unlock()
	if e.devices == nil {
		return nil, ErrEngineShutdown
	}
	if _, exists := e.devices[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDeviceExists, id)
	}
	e.devices[id] = proxy
	e.logger.Debug("device registered", "device", id, "thread", proxy.thread)
	return proxy, nil
}

// Device looks up a registered proxy by id.
func (e *ExecutionEngine) Device(id string) (*DeviceProxy, error) {
	e.deviceMu.RLock()
	defer e.deviceMu.RUnlock()
	proxy, ok := e.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %q", ErrNotFound, id)
	}
	return proxy, nil
}

// DeviceIDs returns the ids of all registered devices, sorted.
func (e *ExecutionEngine) DeviceIDs() []string {
	e.deviceMu.RLock()
	defer e.deviceMu.RUnlock()
	ids := make([]string, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ID returns the registry id of the proxied device.
func (p *DeviceProxy) ID() string { return p.id }

// ThreadName returns the worker all accesses to this device execute on.
func (p *DeviceProxy) ThreadName() string { return p.thread }

// runsInline reports whether a call from ctx may execute directly: the
// calling goroutine already runs on (or descends from) the device's affinity
// worker, so rerouting would deadlock.
func (p *DeviceProxy) runsInline(ctx context.Context) bool {
	worker, ok := WorkerNameFromContext(ctx)
	return ok && worker == p.thread
}

// CallMethod dispatches a method call to the device's affinity worker and
// returns the future. Unwrapping with AwaitExecution makes the call
// effectively synchronous.
func (p *DeviceProxy) CallMethod(ctx context.Context, name string, args ...any) (*ExecutionFuture, error) {
	if _, ok := p.table.methods[name]; !ok {
		return nil, fmt.Errorf("%w: method %q on device %q", ErrNoMember, name, p.id)
	}
	event := &methodCallEvent{proxy: p, name: name, args: args}
	if p.runsInline(ctx) {
		ret, err := p.invoke(ctx, name, args)
		return newCompletedFuture(event, p.engine, ret, err), nil
	}
	return p.engine.Submit(event, OnThread(p.thread))
}

// Call dispatches a method call and awaits its result.
func (p *DeviceProxy) Call(ctx context.Context, name string, args ...any) (any, error) {
	future, err := p.CallMethod(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	return future.AwaitExecution(ctx)
}

// GetProperty reads a property or attribute of the device. A method named
// Get<name> is preferred; otherwise the exported field <name> is read.
// Reads are routed through the engine so they observe the device on its
// affinity worker, but look synchronous to the caller.
func (p *DeviceProxy) GetProperty(ctx context.Context, name string) (any, error) {
	if p.direct[name] || p.runsInline(ctx) {
		return p.getMember(ctx, name)
	}
	future, err := p.engine.Submit(&getAttrEvent{proxy: p, name: name}, OnThread(p.thread))
	if err != nil {
		return nil, err
	}
	return future.AwaitExecution(ctx)
}

// SetProperty writes a property or attribute of the device. A method named
// Set<name> is preferred; otherwise the exported field <name> is written.
func (p *DeviceProxy) SetProperty(ctx context.Context, name string, value any) error {
	if p.direct[name] {
		return p.setMember(ctx, name, value)
	}
	if p.runsInline(ctx) {
		return p.setMember(ctx, name, value)
	}
	future, err := p.engine.Submit(&setAttrEvent{proxy: p, name: name, value: value}, OnThread(p.thread))
	if err != nil {
		return err
	}
	_, err = future.AwaitExecution(ctx)
	return err
}

// getMember resolves a property read: getter method first, then field.
func (p *DeviceProxy) getMember(ctx context.Context, name string) (any, error) {
	if _, ok := p.table.methods["Get"+name]; ok {
		return p.invoke(ctx, "Get"+name, nil)
	}
	index, ok := p.table.fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: property %q on device %q", ErrNoMember, name, p.id)
	}
	field, err := p.fieldValue(index)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// setMember resolves a property write: setter method first, then field.
func (p *DeviceProxy) setMember(ctx context.Context, name string, value any) error {
	if _, ok := p.table.methods["Set"+name]; ok {
		_, err := p.invoke(ctx, "Set"+name, []any{value})
		return err
	}
	index, ok := p.table.fields[name]
	if !ok {
		return fmt.Errorf("%w: property %q on device %q", ErrNoMember, name, p.id)
	}
	field, err := p.fieldValue(index)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("field %q on device %q is not settable; register a pointer to the device struct", name, p.id)
	}
	converted, err := convertArg(value, field.Type())
	if err != nil {
		return fmt.Errorf("set %q on device %q: %w", name, p.id, err)
	}
	field.Set(converted)
	return nil
}

func (p *DeviceProxy) fieldValue(index []int) (reflect.Value, error) {
	v := p.target
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("device %q: nil target", p.id)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("device %q: target is not a struct", p.id)
	}
	return v.FieldByIndex(index), nil
}

// invoke calls the named method on the raw target. A leading
// context.Context parameter is filled with ctx; remaining arguments are
// converted to the parameter types. A trailing error result is split off;
// multiple remaining results come back as []any.
func (p *DeviceProxy) invoke(ctx context.Context, name string, args []any) (any, error) {
	method := p.target.MethodByName(name)
	if !method.IsValid() {
		return nil, fmt.Errorf("%w: method %q on device %q", ErrNoMember, name, p.id)
	}
	mt := method.Type()

	in := make([]reflect.Value, 0, mt.NumIn())
	next := 0
	for i := 0; i < mt.NumIn(); i++ {
		pt := mt.In(i)
		if i == 0 && pt == reflect.TypeOf((*context.Context)(nil)).Elem() {
			in = append(in, reflect.ValueOf(ctx))
			continue
		}
		if next >= len(args) {
			return nil, fmt.Errorf("method %q on device %q: want %d args, got %d", name, p.id, mt.NumIn(), len(args))
		}
		converted, err := convertArg(args[next], pt)
		if err != nil {
			return nil, fmt.Errorf("method %q on device %q, arg %d: %w", name, p.id, next, err)
		}
		in = append(in, converted)
		next++
	}
	if next != len(args) {
		return nil, fmt.Errorf("method %q on device %q: want %d args, got %d", name, p.id, next, len(args))
	}

	out := method.Call(in)

	var err error
	errType := reflect.TypeOf((*error)(nil)).Elem()
	if len(out) > 0 && out[len(out)-1].Type().Implements(errType) {
		if e, ok := out[len(out)-1].Interface().(error); ok {
			err = e
		}
		out = out[:len(out)-1]
	}
	switch len(out) {
	case 0:
		return nil, err
	case 1:
		return out[0].Interface(), err
	default:
		results := make([]any, len(out))
		for i, v := range out {
			results[i] = v.Interface()
		}
		return results, err
	}
}

func convertArg(arg any, want reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) {
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, want)
}

// methodCallEvent routes a device method call through the engine.
type methodCallEvent struct {
	EventBase
	proxy *DeviceProxy
	name  string
	args  []any
}

func (e *methodCallEvent) Execute(ctx context.Context) (any, error) {
	return e.proxy.invoke(ctx, e.name, e.args)
}

// getAttrEvent routes a device property read through the engine.
type getAttrEvent struct {
	EventBase
	proxy *DeviceProxy
	name  string
}

func (e *getAttrEvent) Execute(ctx context.Context) (any, error) {
	return e.proxy.getMember(ctx, e.name)
}

// setAttrEvent routes a device property write through the engine.
type setAttrEvent struct {
	EventBase
	proxy *DeviceProxy
	name  string
	value any
}

func (e *setAttrEvent) Execute(ctx context.Context) (any, error) {
	return nil, e.proxy.setMember(ctx, e.name, e.value)
}
