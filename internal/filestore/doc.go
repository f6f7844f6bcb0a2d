/*
Package filestore keeps run kits and result archives.

Objects are addressed by key:

	{consortiumId}/{runId}/kits/{userId}.tar.gz
	{consortiumId}/{runId}/results/aggregate.tar.gz
	{consortiumId}/{runId}/results/members/{userId}.tar.gz

Service stages each upload, computes its SHA-256 and refuses zero-byte
content before handing it to a Backend (DiskBackend or MinioBackend). The HTTP
routes live in api/handlers.
*/
package filestore
