package server

import (
	"context"
	"fmt"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

func (m *methodType) newArgs() (argv, replyv reflect.Value) {
	return reflect.New(m.ArgType), reflect.New(m.ReplyType)
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService scans rcvr for exported methods of either shape
//
//	func (r *T) Method(args *A, reply *R) error
//	func (r *T) Method(ctx context.Context, args *A, reply *R) error
//
// and names the service after T unless name is given.
func newService(rcvr any, name string) (*service, error) {
	// 1. 用 reflect.TypeOf 检查 rcvr 必须是指向 struct 的指针
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	// 2. 没有显式名字时用类型名作为 service name
	if name == "" {
		name = typ.Elem().Name()
	}
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	// 3. 扫描方法，一个合法方法都没有则注册失败
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("rpc: type %s has no exported methods of suitable type", typ)
	}
	return svc, nil
}

// registerMethods 扫描导出方法，过滤出符合 RPC 签名的
func (s *service) registerMethods() {
	// 合法条件：
	//   - 返回值只有一个 error
	//   - 入参为 (receiver, *Args, *Reply) 或 (receiver, ctx, *Args, *Reply)
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		var withCtx bool
		switch mt.NumIn() {
		case 3:
		case 4:
			if mt.In(1) != contextType {
				continue
			}
			withCtx = true
		default:
			continue
		}

		argType, replyType := mt.In(mt.NumIn()-2), mt.In(mt.NumIn()-1)
		if argType.Kind() != reflect.Ptr || replyType.Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   argType.Elem(),
			ReplyType: replyType.Elem(),
		}
	}
}

// call 通过反射调用方法，带 ctx 的方法会收到请求的 context
func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	var results []reflect.Value
	if mType.withCtx {
		results = mType.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv})
	} else {
		results = mType.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	}
	if errInter := results[0].Interface(); errInter != nil {
		return errInter.(error)
	}
	return nil
}
