package rpcapi

import "errors"

var errNotAuthorized = errors.New("rpcapi: caller is not authorized for this request")
