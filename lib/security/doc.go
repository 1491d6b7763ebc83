// Package security provides subjects, roles and permissions.
//
// A Subject travels in the context of every operation (WithSubject). The
// Authorizer maps the subject's principals to roles and the roles to
// Permission bits; an operation whose permission is missing fails with
// errs.RetCUnauthorized before it touches any data.
package security
