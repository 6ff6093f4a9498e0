// Package testutil contains helper builders and scripted capabilities used
// across tests to reduce boilerplate when constructing guidelines, sessions
// and evaluator behavior. They are not intended for production usage.
package testutil
