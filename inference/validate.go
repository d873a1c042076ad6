package inference

import (
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ValidateRequest runs the structural checks on an inference request. A
// failing request is marked Fail/Completed by the engine and never retried.
func ValidateRequest(v *validator.Validate, req *model.InferenceRequest) error {
	if err := v.Struct(req); err != nil {
		return err
	}

	algorithms := 0
	retrievals := 0
	for _, res := range req.InputResources {
		if res.Interface == model.ResourceInterfaceAlgorithm {
			algorithms++
		} else {
			retrievals++
		}
	}
	if algorithms != 1 {
		return errors.Errorf("request must carry exactly one Algorithm input resource, got %d", algorithms)
	}
	if retrievals < 1 {
		return errors.New("request carries no retrieval input resources")
	}
	if req.Algorithm().ConnectionDetails.PipelineID == "" {
		return errors.New("Algorithm resource names no pipeline")
	}

	details := req.InputMetadata.Details
	switch details.Type {
	case model.DetailTypeDicomUID:
		if len(details.Studies) == 0 {
			return errors.New("DICOM_UID request names no studies")
		}
		for _, study := range details.Studies {
			if study.StudyInstanceUID == "" {
				return errors.New("DICOM_UID request has a study without a UID")
			}
		}
	case model.DetailTypeDicomPatientID:
		if details.PatientID == "" {
			return errors.New("DICOM_PATIENT_ID request has an empty patient id")
		}
	case model.DetailTypeAccessionNumber:
		if len(details.AccessionNumbers) == 0 {
			return errors.New("ACCESSION_NUMBER request names no accession numbers")
		}
	default:
		return errors.Errorf("unsupported details type %q", details.Type)
	}
	return nil
}
