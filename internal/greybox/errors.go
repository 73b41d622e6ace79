package greybox

import "errors"

// Sentinel errors for the grey-box contract. Call sites wrap them with
// detail; match with errors.Is.
var (
	// ErrConfiguration is returned by New when the partition violates a
	// construction invariant, such as a non-square inner system or an
	// equation referencing a variable outside the partition.
	ErrConfiguration = errors.New("greybox: invalid partition")

	// ErrConvergence is returned by SetInputs when the nested solve does
	// not converge for the given inputs. The previous evaluation state, if
	// any, stays in place; the caller may retry with different inputs.
	ErrConvergence = errors.New("greybox: nested solve did not converge")

	// ErrSingular is returned when solving against the factorization of the
	// external Jacobian ∂g/∂y fails. The model is not well-posed at the
	// current point; it is not retried internally.
	ErrSingular = errors.New("greybox: external jacobian is singular")

	// ErrUninitialized is returned by queries issued before the state they
	// need exists: any evaluation before the first successful SetInputs, or
	// the Hessian before SetMultipliers.
	ErrUninitialized = errors.New("greybox: state not initialized")

	// ErrDimension is returned when a caller-supplied shape does not match
	// the model's fixed sizes.
	ErrDimension = errors.New("greybox: dimension mismatch")
)
