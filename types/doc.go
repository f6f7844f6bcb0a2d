/*
Package types provides the shared, dependency-free types of fedrun.

# Overview

types sits at the bottom of the package graph. The central authority, the
file-storage service and the node coordinators all return *Error values built
here so that HTTP handlers and clients agree on one error vocabulary.

# Contents

  - Error, ErrorCode: structured error with HTTP status and a Retryable flag
  - WithUserID, WithRoles, WithCentral, WithRequestID, WithRunID and
    WithConsortiumID carry the caller identity on a context
*/
package types
