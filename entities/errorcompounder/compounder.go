//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package errorcompounder

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrorCompounder collects the failures of independent sub-operations, such
// as the per-item errors of a bulk write, into a single error value.
type ErrorCompounder struct {
	errs []error
}

func New() *ErrorCompounder {
	return &ErrorCompounder{}
}

func (ec *ErrorCompounder) Add(err error) {
	if err != nil {
		ec.errs = append(ec.errs, err)
	}
}

func (ec *ErrorCompounder) Addf(format string, a ...interface{}) {
	ec.errs = append(ec.errs, errors.Errorf(format, a...))
}

func (ec *ErrorCompounder) AddWrapf(err error, format string, a ...interface{}) {
	if err != nil {
		ec.errs = append(ec.errs, errors.Wrapf(err, format, a...))
	}
}

func (ec *ErrorCompounder) Empty() bool {
	return len(ec.errs) == 0
}

func (ec *ErrorCompounder) Len() int {
	return len(ec.errs)
}

func (ec *ErrorCompounder) First() error {
	if len(ec.errs) == 0 {
		return nil
	}
	return ec.errs[0]
}

// ToError flattens the collected errors into one, or nil if none were added.
func (ec *ErrorCompounder) ToError() error {
	switch len(ec.errs) {
	case 0:
		return nil
	case 1:
		return ec.errs[0]
	default:
		var b strings.Builder
		for i, err := range ec.errs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(err.Error())
		}
		return errors.New(b.String())
	}
}
