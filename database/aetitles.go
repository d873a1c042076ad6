package database

import (
	"database/sql"

	"github.com/cyverse-de/dicom-adapter/model"
)

const listLocalAEsQuery = `
	SELECT name, ae_title, overwrite_same_instance, ignored_sop_classes, processor_name, processor_settings
	FROM local_aes
	ORDER BY ae_title;
`

// ListLocalAEs returns every configured local application entity.
func (s *Store) ListLocalAEs() ([]model.LocalAE, error) {
	listing := []model.LocalAE{}
	err := s.DB.Select(&listing, listLocalAEsQuery)
	return listing, err
}

const getLocalAEQuery = `
	SELECT name, ae_title, overwrite_same_instance, ignored_sop_classes, processor_name, processor_settings
	FROM local_aes
	WHERE ae_title = $1;
`

// GetLocalAE returns the local AE with the given title. The lookup is
// case-sensitive. Returns nil when no such AE exists.
func (s *Store) GetLocalAE(aeTitle string) (*model.LocalAE, error) {
	ae := &model.LocalAE{}
	err := s.DB.QueryRowx(getLocalAEQuery, aeTitle).StructScan(ae)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ae, err
}

const addLocalAEQuery = `
	INSERT INTO local_aes (name, ae_title, overwrite_same_instance, ignored_sop_classes, processor_name, processor_settings)
	VALUES ($1, $2, $3, $4, $5, $6);
`

// AddLocalAE registers a new local AE. The unique index on ae_title enforces
// the title-uniqueness invariant.
func (s *Store) AddLocalAE(ae *model.LocalAE) error {
	_, err := s.DB.Exec(addLocalAEQuery,
		ae.Name, ae.AETitle, ae.OverwriteSameInstance, ae.IgnoredSopClasses, ae.ProcessorName, ae.ProcessorSettings)
	return err
}

const updateLocalAEQuery = `
	UPDATE local_aes
	SET name = $2, overwrite_same_instance = $3, ignored_sop_classes = $4, processor_name = $5, processor_settings = $6
	WHERE ae_title = $1;
`

// UpdateLocalAE updates an existing local AE in place.
func (s *Store) UpdateLocalAE(ae *model.LocalAE) error {
	_, err := s.DB.Exec(updateLocalAEQuery,
		ae.AETitle, ae.Name, ae.OverwriteSameInstance, ae.IgnoredSopClasses, ae.ProcessorName, ae.ProcessorSettings)
	return err
}

const deleteLocalAEQuery = `
	DELETE FROM local_aes WHERE ae_title = $1;
`

// DeleteLocalAE removes a local AE by title.
func (s *Store) DeleteLocalAE(aeTitle string) error {
	_, err := s.DB.Exec(deleteLocalAEQuery, aeTitle)
	return err
}

const listSourceAEsQuery = `
	SELECT ae_title, host_ip FROM source_aes ORDER BY ae_title;
`

// ListSourceAEs returns every configured source application entity.
func (s *Store) ListSourceAEs() ([]model.SourceAE, error) {
	listing := []model.SourceAE{}
	err := s.DB.Select(&listing, listSourceAEsQuery)
	return listing, err
}

const getSourceAEQuery = `
	SELECT ae_title, host_ip
	FROM source_aes
	WHERE LOWER(ae_title) = LOWER($1) AND host_ip = $2;
`

// GetSourceAE looks up a source by title and host. The title match is
// case-insensitive; the host match is exact. Returns nil when the pair is
// not configured.
func (s *Store) GetSourceAE(aeTitle, hostIP string) (*model.SourceAE, error) {
	src := &model.SourceAE{}
	err := s.DB.QueryRowx(getSourceAEQuery, aeTitle, hostIP).StructScan(src)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return src, err
}

const addSourceAEQuery = `
	INSERT INTO source_aes (ae_title, host_ip) VALUES ($1, $2);
`

// AddSourceAE registers a new source AE.
func (s *Store) AddSourceAE(src *model.SourceAE) error {
	_, err := s.DB.Exec(addSourceAEQuery, src.AETitle, src.HostIP)
	return err
}

const deleteSourceAEQuery = `
	DELETE FROM source_aes WHERE ae_title = $1;
`

// DeleteSourceAE removes a source AE by title.
func (s *Store) DeleteSourceAE(aeTitle string) error {
	_, err := s.DB.Exec(deleteSourceAEQuery, aeTitle)
	return err
}

const listDestinationAEsQuery = `
	SELECT name, ae_title, host_ip, port FROM destination_aes ORDER BY name;
`

// ListDestinationAEs returns every configured export destination.
func (s *Store) ListDestinationAEs() ([]model.DestinationAE, error) {
	listing := []model.DestinationAE{}
	err := s.DB.Select(&listing, listDestinationAEsQuery)
	return listing, err
}

const getDestinationAEQuery = `
	SELECT name, ae_title, host_ip, port FROM destination_aes WHERE name = $1;
`

// GetDestinationAE returns the destination with the given name, or nil when
// no such destination exists.
func (s *Store) GetDestinationAE(name string) (*model.DestinationAE, error) {
	dest := &model.DestinationAE{}
	err := s.DB.QueryRowx(getDestinationAEQuery, name).StructScan(dest)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return dest, err
}

const addDestinationAEQuery = `
	INSERT INTO destination_aes (name, ae_title, host_ip, port) VALUES ($1, $2, $3, $4);
`

// AddDestinationAE registers a new export destination.
func (s *Store) AddDestinationAE(dest *model.DestinationAE) error {
	_, err := s.DB.Exec(addDestinationAEQuery, dest.Name, dest.AETitle, dest.HostIP, dest.Port)
	return err
}

const deleteDestinationAEQuery = `
	DELETE FROM destination_aes WHERE name = $1;
`

// DeleteDestinationAE removes a destination by name.
func (s *Store) DeleteDestinationAE(name string) error {
	_, err := s.DB.Exec(deleteDestinationAEQuery, name)
	return err
}
