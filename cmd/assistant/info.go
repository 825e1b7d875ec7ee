package main

import (
	"assistant-rpc/session"
)

// InfoService lets the extension, or an operator, ask the host what it is.
const InfoService = "Assistant"

type InfoRequest struct{}

type InfoResponse struct {
	SessionID string `json:"sessionId"`
	Local     string `json:"local"`
	Remote    string `json:"remote"`
	Status    string `json:"status"`
}

type infoService struct {
	sess *session.Session
}

func (s *infoService) Info(req *InfoRequest, resp *InfoResponse) error {
	resp.SessionID = s.sess.ID()
	resp.Local = s.sess.Local().String()
	resp.Remote = s.sess.Remote().String()
	resp.Status = s.sess.Status().String()
	return nil
}
