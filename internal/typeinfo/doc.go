// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package typeinfo contains the reflection code of the object mapper. As much as
possible, reflection code is limited to this package. It extracts the "db"
tagged fields of mapped structs, converts driver values into field types and
exposes struct fields as attribute storage.
*/
package typeinfo
