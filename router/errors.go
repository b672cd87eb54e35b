package router

import "github.com/go-errors/errors"

var errSelfNotOnRoute = errors.New("router: self public key not present on request route")
