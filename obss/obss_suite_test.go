// Package obss implements the observation system.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package obss

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestObss(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Observation System Suite")
}
