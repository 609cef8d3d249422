package handler

import (
	"fmt"
	"reflect"
	"sync"
)

// Method names discovered on annotated handlers.
const (
	methodOnOpen          = "OnOpen"
	methodOnMessage       = "OnMessage"
	methodOnBinaryMessage = "OnBinaryMessage"
	methodOnClose         = "OnClose"
	methodOnError         = "OnError"
)

var (
	connType   = reflect.TypeOf((*Conn)(nil)).Elem()
	configType = reflect.TypeOf((*EndpointConfig)(nil))
	reasonType = reflect.TypeOf(CloseReason{})
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	stringType = reflect.TypeOf("")
	bytesType  = reflect.TypeOf([]byte(nil))
)

type paramKind int

const (
	paramConn paramKind = iota
	paramConfig
	paramText
	paramBinary
	paramReason
	paramError
)

type replyKind int

const (
	replyNone replyKind = iota
	replyText
	replyBinary
)

// callback is one discovered method along with how to build its arguments
// and interpret its results.
type callback struct {
	name         string
	index        int
	params       []paramKind
	reply        replyKind
	returnsError bool
}

// invocation carries everything a callback parameter may ask for.
type invocation struct {
	conn   Conn
	config *EndpointConfig
	data   []byte
	reason CloseReason
	cause  error
}

func (cb *callback) call(v reflect.Value, inv invocation) (reply []byte, err error) {
	args := make([]reflect.Value, len(cb.params))
	for i, p := range cb.params {
		switch p {
		case paramConn:
			args[i] = reflect.ValueOf(&inv.conn).Elem()
		case paramConfig:
			args[i] = reflect.ValueOf(inv.config)
		case paramText:
			args[i] = reflect.ValueOf(string(inv.data))
		case paramBinary:
			args[i] = reflect.ValueOf(inv.data)
		case paramReason:
			args[i] = reflect.ValueOf(inv.reason)
		case paramError:
			args[i] = reflect.ValueOf(&inv.cause).Elem()
		}
	}
	results := v.Method(cb.index).Call(args)

	if cb.returnsError {
		last := results[len(results)-1]
		if !last.IsNil() {
			err = last.Interface().(error)
		}
	}
	switch cb.reply {
	case replyText:
		reply = []byte(results[0].String())
	case replyBinary:
		reply = results[0].Bytes()
	}
	return reply, err
}

// CallbackTable is the dispatch table of one annotated handler type. It is
// immutable once built and shared by every connection bound to that type.
type CallbackTable struct {
	typ     reflect.Type
	open    *callback
	text    *callback
	binary  *callback
	close   *callback
	onError *callback
	caps    *capabilities
}

// Type returns the handler type the table was built for.
func (t *CallbackTable) Type() reflect.Type {
	return t.typ
}

// Capabilities lists the callbacks the type declares, sorted.
func (t *CallbackTable) Capabilities() []string {
	return t.caps.List()
}

// Has reports whether the type declares the given capability.
func (t *CallbackTable) Has(capability string) bool {
	return t.caps.Has(capability)
}

// Bind returns an Endpoint dispatching to instance, which must have the
// table's type.
func (t *CallbackTable) Bind(instance any) (Endpoint, error) {
	v := reflect.ValueOf(instance)
	if !v.IsValid() || v.Type() != t.typ {
		return nil, fmt.Errorf("%w: want %v, got %T", ErrTypeMismatch, t.typ, instance)
	}
	return &annotatedEndpoint{table: t, value: v}, nil
}

// Analyzer builds CallbackTables and caches them per type. It is safe for
// concurrent use.
type Analyzer struct {
	mu     sync.Mutex
	tables map[reflect.Type]*CallbackTable
}

// NewAnalyzer returns an empty Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		tables: make(map[reflect.Type]*CallbackTable),
	}
}

// Analyze returns the CallbackTable for typ, building it on first use. A
// type declaring none of the callbacks is valid and gets an empty table.
func (a *Analyzer) Analyze(typ reflect.Type) (*CallbackTable, error) {
	if typ == nil {
		return nil, fmt.Errorf("%w: no handler type", ErrInvalidCallback)
	}
	if typ.Kind() == reflect.Interface {
		return nil, fmt.Errorf("%w: %v is an interface type", ErrInvalidCallback, typ)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tables[typ]; ok {
		return t, nil
	}

	t, err := buildTable(typ)
	if err != nil {
		return nil, err
	}
	a.tables[typ] = t
	return t, nil
}

func buildTable(typ reflect.Type) (*CallbackTable, error) {
	t := &CallbackTable{
		typ:  typ,
		caps: emptyCapabilities(),
	}

	if m, ok := typ.MethodByName(methodOnOpen); ok {
		cb, err := analyzeMethod(typ, m, map[reflect.Type]paramKind{
			connType:   paramConn,
			configType: paramConfig,
		}, false)
		if err != nil {
			return nil, err
		}
		t.open = cb
		t.caps.Add(CapOpen)
	}

	for _, name := range []string{methodOnMessage, methodOnBinaryMessage} {
		m, ok := typ.MethodByName(name)
		if !ok {
			continue
		}
		cb, err := analyzeMethod(typ, m, map[reflect.Type]paramKind{
			connType:   paramConn,
			stringType: paramText,
			bytesType:  paramBinary,
		}, true)
		if err != nil {
			return nil, err
		}
		switch {
		case hasParam(cb, paramText):
			if t.text != nil {
				return nil, fmt.Errorf("%w: %v has two text message callbacks", ErrInvalidCallback, typ)
			}
			t.text = cb
			t.caps.Add(CapText)
		case hasParam(cb, paramBinary):
			if t.binary != nil {
				return nil, fmt.Errorf("%w: %v has two binary message callbacks", ErrInvalidCallback, typ)
			}
			t.binary = cb
			t.caps.Add(CapBinary)
		default:
			return nil, fmt.Errorf("%w: %v.%s takes no message payload", ErrInvalidCallback, typ, name)
		}
	}

	if m, ok := typ.MethodByName(methodOnClose); ok {
		cb, err := analyzeMethod(typ, m, map[reflect.Type]paramKind{
			connType:   paramConn,
			reasonType: paramReason,
		}, false)
		if err != nil {
			return nil, err
		}
		t.close = cb
		t.caps.Add(CapClose)
	}

	if m, ok := typ.MethodByName(methodOnError); ok {
		cb, err := analyzeMethod(typ, m, map[reflect.Type]paramKind{
			connType:  paramConn,
			errorType: paramError,
		}, false)
		if err != nil {
			return nil, err
		}
		if !hasParam(cb, paramError) {
			return nil, fmt.Errorf("%w: %v.%s must take an error", ErrInvalidCallback, typ, m.Name)
		}
		t.onError = cb
		t.caps.Add(CapError)
	}

	return t, nil
}

// analyzeMethod maps each parameter of m onto an injectable value. Each
// injectable kind may appear at most once.
func analyzeMethod(typ reflect.Type, m reflect.Method, allowed map[reflect.Type]paramKind, replies bool) (*callback, error) {
	cb := &callback{name: m.Name, index: m.Index}
	mt := m.Type

	seen := make(map[paramKind]bool)
	// parameter 0 is the receiver
	for i := 1; i < mt.NumIn(); i++ {
		in := mt.In(i)
		p, ok := allowed[in]
		if !ok {
			return nil, fmt.Errorf("%w: %v.%s: unsupported parameter type %v", ErrInvalidCallback, typ, m.Name, in)
		}
		if seen[p] || (p == paramText && seen[paramBinary]) || (p == paramBinary && seen[paramText]) {
			return nil, fmt.Errorf("%w: %v.%s: duplicate parameter %v", ErrInvalidCallback, typ, m.Name, in)
		}
		seen[p] = true
		cb.params = append(cb.params, p)
	}

	switch mt.NumOut() {
	case 0:
	case 1:
		out := mt.Out(0)
		switch {
		case out == errorType:
			cb.returnsError = true
		case replies && out == stringType:
			cb.reply = replyText
		case replies && out == bytesType:
			cb.reply = replyBinary
		default:
			return nil, fmt.Errorf("%w: %v.%s: unsupported result type %v", ErrInvalidCallback, typ, m.Name, out)
		}
	case 2:
		if !replies || mt.Out(1) != errorType {
			return nil, fmt.Errorf("%w: %v.%s: unsupported results", ErrInvalidCallback, typ, m.Name)
		}
		switch mt.Out(0) {
		case stringType:
			cb.reply = replyText
		case bytesType:
			cb.reply = replyBinary
		default:
			return nil, fmt.Errorf("%w: %v.%s: unsupported reply type %v", ErrInvalidCallback, typ, m.Name, mt.Out(0))
		}
		cb.returnsError = true
	default:
		return nil, fmt.Errorf("%w: %v.%s: too many results", ErrInvalidCallback, typ, m.Name)
	}
	return cb, nil
}

func hasParam(cb *callback, p paramKind) bool {
	for _, q := range cb.params {
		if q == p {
			return true
		}
	}
	return false
}

type annotatedEndpoint struct {
	table *CallbackTable
	value reflect.Value
}

func (e *annotatedEndpoint) OnOpen(conn Conn, config *EndpointConfig) error {
	if e.table.open == nil {
		return nil
	}
	_, err := e.table.open.call(e.value, invocation{conn: conn, config: config})
	return err
}

func (e *annotatedEndpoint) OnMessage(conn Conn, msg Message) error {
	cb := e.table.text
	if msg.Type == BinaryMessage {
		cb = e.table.binary
	}
	if cb == nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedData, e.table.typ)
	}

	reply, err := cb.call(e.value, invocation{conn: conn, data: msg.Data})
	if err != nil {
		return err
	}
	switch cb.reply {
	case replyText:
		return conn.SendText(string(reply))
	case replyBinary:
		return conn.SendBinary(reply)
	}
	return nil
}

func (e *annotatedEndpoint) OnError(conn Conn, cause error) error {
	if e.table.onError == nil {
		return nil
	}
	_, err := e.table.onError.call(e.value, invocation{conn: conn, cause: cause})
	return err
}

func (e *annotatedEndpoint) OnClose(conn Conn, reason CloseReason) error {
	if e.table.close == nil {
		return nil
	}
	_, err := e.table.close.call(e.value, invocation{conn: conn, reason: reason})
	return err
}
