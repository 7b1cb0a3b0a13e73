package httpapi

import (
	"net/http"

	"pkt.systems/schoold/api"
	"pkt.systems/schoold/internal/core"
	"pkt.systems/schoold/internal/schema"
)

func tenantFromRequest(r *http.Request) (string, error) {
	tenant := r.PathValue("tenant")
	if tenant == "" {
		return "", httpError{Status: http.StatusBadRequest, Code: "missing_tenant", Detail: "tenant id required"}
	}
	return tenant, nil
}

func (h *Handler) handleConfigureSchool(w http.ResponseWriter, r *http.Request) error {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		return err
	}
	var req api.ConfigureSchoolRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return err
	}
	cmd := core.ConfigureSchoolCommand{
		TenantID:   tenant,
		LevelNames: req.LevelNames,
	}
	for _, stream := range req.Streams {
		cmd.Streams = append(cmd.Streams, core.StreamInput{
			GradeLevelID: stream.GradeLevelID,
			Name:         stream.Name,
		})
	}
	view, err := h.core.ConfigureSchool(r.Context(), cmd)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, configResponse(view), nil)
	return nil
}

func (h *Handler) handleGetSchoolConfig(w http.ResponseWriter, r *http.Request) error {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		return err
	}
	view, err := h.core.GetSchoolConfig(r.Context(), tenant)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, configResponse(view), nil)
	return nil
}

func (h *Handler) handleCreateAssessment(w http.ResponseWriter, r *http.Request) error {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		return err
	}
	var req api.CreateAssessmentRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return err
	}
	result, err := h.core.CreateAssessment(r.Context(), core.CreateAssessmentCommand{
		Scope: schema.Scope{
			TenantID:     tenant,
			SubjectID:    req.SubjectID,
			GradeLevelID: req.GradeLevelID,
			Term:         schema.Term(req.Term),
		},
		Type:  schema.AssessmentType(req.Type),
		Title: req.Title,
	})
	if err != nil {
		return convertCoreError(err)
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, api.CreateAssessmentResponse{
		Assessment: assessmentResponse(result.Assessment),
		Created:    result.Created,
	}, nil)
	return nil
}

func (h *Handler) handleListAssessments(w http.ResponseWriter, r *http.Request) error {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	listed, err := h.core.ListAssessments(r.Context(), schema.Scope{
		TenantID:     tenant,
		SubjectID:    q.Get("subject_id"),
		GradeLevelID: q.Get("grade_level_id"),
		Term:         schema.Term(q.Get("term")),
	})
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.ListAssessmentsResponse{Assessments: make([]api.Assessment, 0, len(listed))}
	for _, a := range listed {
		resp.Assessments = append(resp.Assessments, assessmentResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

func configResponse(view core.SchoolConfigView) api.SchoolConfigResponse {
	resp := api.SchoolConfigResponse{
		ConfigID:       view.Config.ID,
		TenantID:       view.Config.TenantID,
		SchoolTypeID:   view.SchoolType.ID,
		SchoolTypeName: view.SchoolType.Name,
		Levels:         make([]api.ConfigLevel, 0, len(view.Children.Levels)),
		GradeLevels:    make([]api.ConfigGradeLevel, 0, len(view.Children.GradeLevels)),
		Subjects:       make([]api.ConfigSubject, 0, len(view.Children.Subjects)),
		CreatedAt:      view.Config.CreatedAt,
		UpdatedAt:      view.Config.UpdatedAt,
	}
	for _, level := range view.Children.Levels {
		resp.Levels = append(resp.Levels, api.ConfigLevel{ID: level.ID, LevelID: level.LevelID})
	}
	for _, grade := range view.Children.GradeLevels {
		resp.GradeLevels = append(resp.GradeLevels, api.ConfigGradeLevel{ID: grade.ID, GradeLevelID: grade.GradeLevelID})
	}
	for _, subject := range view.Children.Subjects {
		resp.Subjects = append(resp.Subjects, api.ConfigSubject{ID: subject.ID, SubjectID: subject.SubjectID})
	}
	for _, stream := range view.Children.Streams {
		resp.Streams = append(resp.Streams, api.ConfigStream{ID: stream.ID, GradeLevelID: stream.GradeLevelID, Name: stream.Name})
	}
	return resp
}

func assessmentResponse(a schema.Assessment) api.Assessment {
	return api.Assessment{
		ID:           a.ID,
		Type:         string(a.Type),
		Title:        a.Title,
		SubjectID:    a.SubjectID,
		GradeLevelID: a.GradeLevelID,
		Term:         string(a.Term),
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt,
	}
}
