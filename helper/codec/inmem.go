// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package codec implements the in-process net/rpc codec the server
// dispatches its endpoints through.
package codec

import (
	"errors"
	"fmt"
	"net/rpc"
	"reflect"

	"github.com/mitchellh/copystructure"
)

// InmemCodec carries one RPC invocation through net/rpc without a network
// hop. The server's RPC method and the HTTP layer both dispatch endpoint
// calls through it.
type InmemCodec struct {
	Method string
	Args   interface{}
	Reply  interface{}
	Err    error
}

func (i *InmemCodec) ReadRequestHeader(req *rpc.Request) error {
	req.ServiceMethod = i.Method
	return nil
}

func (i *InmemCodec) ReadRequestBody(args interface{}) error {
	if args == nil {
		return nil
	}

	// Copy on read so endpoint handlers never share pointers with the
	// caller's request structs.
	origArgs, err := copystructure.Copy(i.Args)
	if err != nil {
		return fmt.Errorf("error copying arguments to %s rpc: %w", i.Method, err)
	}

	sourceValue := reflect.Indirect(reflect.Indirect(reflect.ValueOf(origArgs)))
	dst := reflect.Indirect(reflect.Indirect(reflect.ValueOf(args)))
	dst.Set(sourceValue)
	return nil
}

func (i *InmemCodec) WriteResponse(resp *rpc.Response, reply interface{}) error {
	if resp.Error != "" {
		i.Err = errors.New(resp.Error)
		return nil
	}

	// Copy on write for the same reason: replies often alias rows out of
	// the state store.
	replyCopy, err := copystructure.Copy(reply)
	if err != nil {
		return fmt.Errorf("error copying reply from %s rpc: %w", i.Method, err)
	}
	sourceValue := reflect.Indirect(reflect.Indirect(reflect.ValueOf(replyCopy)))
	dst := reflect.Indirect(reflect.Indirect(reflect.ValueOf(i.Reply)))
	dst.Set(sourceValue)
	return nil
}

func (i *InmemCodec) Close() error {
	return nil
}
