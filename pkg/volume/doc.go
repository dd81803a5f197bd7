/*
Package volume manages the named volumes of hutch namespaces.

Volumes are scoped to a namespace: the alias "pgdata" used by two namespaces
refers to two different volumes. The local driver keeps each volume as a
directory on the host:

	<base>/<namespace>/<alias>/.hutch-volume.json   metadata
	<base>/<namespace>/<alias>/_data                 mounted into containers

Volumes are created on demand the first time an application mounts them and
survive container removal. They are only deleted explicitly.

	vm, err := volume.NewVolumeManager("/var/lib/hutch/volumes")
	v, err := vm.Ensure("dev", "pgdata", nil)
	// v.MountPath is bind-mounted by the container engine
*/
package volume
