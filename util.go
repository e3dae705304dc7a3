package brkheap

import (
	cerrors "github.com/cockroachdb/errors"
)

const (
	// Alignment is the word boundary that every block size is rounded up to
	Alignment uint = 8
)

// PowerOfTwoError is the error returned from CheckPow2 if the number being tested is not a power of two
var PowerOfTwoError error = cerrors.New("number must be a power of two")

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// RoundUpSize rounds a requested byte count up to the next multiple of Alignment
func RoundUpSize(size int) int {
	return AlignUp(size, Alignment)
}
